package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
)

// RecordStore persists inspection records. It is append-only: records are
// never updated or deleted once Put succeeds.
type RecordStore interface {
	// Put appends a record and returns its ID.
	// Dedup rules, evaluated atomically per content hash:
	//   - a record without Supersedes conflicts with any canonical record
	//     for the same hash inside the dedup window
	//   - a re-scan (Supersedes set) conflicts only when the canonical record
	//     is no longer the one it supersedes
	// On conflict Put returns the winning record's ID and ErrDuplicateRecord.
	// Cancelled records are stored but ignored by every dedup rule.
	Put(ctx context.Context, record *domain.Record) (uuid.UUID, error)

	// Get returns a record by ID or ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (*domain.Record, error)

	// Canonical returns the newest record for hash created inside the dedup
	// window ending at at, or ErrNotFound. Cancelled records are skipped.
	Canonical(ctx context.Context, hash string, at time.Time) (*domain.Record, error)

	// Latest returns the newest non-cancelled record for hash regardless of
	// age, or ErrNotFound. Re-scans supersede it.
	Latest(ctx context.Context, hash string) (*domain.Record, error)

	// ListByOwner returns a principal's records, newest first
	ListByOwner(ctx context.Context, ownerID uuid.UUID, page domain.Page) ([]domain.Record, error)

	// ListAll returns every record, newest first
	ListAll(ctx context.Context, page domain.Page) ([]domain.Record, error)

	// Lifecycle
	Close() error
}

// PrincipalStore persists principals synced from the identity provider
type PrincipalStore interface {
	// UpsertPrincipal atomically creates or refreshes a principal keyed by
	// ExternalID. Role is only assigned on creation.
	UpsertPrincipal(ctx context.Context, principal domain.Principal) (*domain.Principal, error)

	// GetPrincipalByExternalID returns a principal or ErrNotFound
	GetPrincipalByExternalID(ctx context.Context, externalID string) (*domain.Principal, error)

	// SetPrincipalStatus changes a principal's status or returns ErrNotFound
	SetPrincipalStatus(ctx context.Context, externalID, status string, at time.Time) (*domain.Principal, error)
}
