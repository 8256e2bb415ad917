package detection

import (
	"context"
	"fmt"

	"github.com/stoik/content-inspection/internal/domain"
)

// SignatureDetectorName is the registry and finding identifier
const SignatureDetectorName = "signature"

// SignatureDetector flags artifacts whose content hash is in the known-bad set.
// It works for both artifact kinds since network records are hashed from
// their canonical encoding.
type SignatureDetector struct {
	hashes *HashSet
}

// NewSignatureDetector creates a detector backed by a shared hash set
func NewSignatureDetector(hashes *HashSet) *SignatureDetector {
	return &SignatureDetector{hashes: hashes}
}

// Name returns the detector name
func (d *SignatureDetector) Name() string {
	return SignatureDetectorName
}

// Inspect performs an exact-match lookup of the artifact hash
func (d *SignatureDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	if d.hashes == nil || d.hashes.Len() == 0 {
		return Skipped("known-bad hash set is empty")
	}

	if label, ok := d.hashes.Lookup(artifact.Hash); ok {
		return Completed(domain.ClassMalicious,
			fmt.Sprintf("content hash matches known-bad signature %s", label),
			domain.Confidence(1.0))
	}

	return Completed(domain.ClassClean, "no signature match", domain.Confidence(1.0))
}
