package ports

import "context"

// PayloadStore keeps raw artifact bytes outside the record store, keyed by
// content hash. Put is idempotent for a given hash.
type PayloadStore interface {
	Put(ctx context.Context, hash string, data []byte) (ref string, err error)
}
