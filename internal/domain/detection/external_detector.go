package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/stoik/content-inspection/internal/domain"
)

// ExternalDetectorName is the registry and finding identifier
const ExternalDetectorName = "external"

// RemoteResult is what a remote scanning service reports for an artifact
type RemoteResult struct {
	Classification domain.Classification
	Reason         string
	Confidence     *float64
}

// RemoteScanner is a remote scanning API. Implementations live in the
// adapters layer and are subject to network failure.
type RemoteScanner interface {
	Scan(ctx context.Context, artifact domain.Artifact) (RemoteResult, error)
}

// ExternalDetector delegates to a remote scanning service.
// Every failure degrades to an Errored finding; a cancelled context means
// the pipeline has already given up, so that is reported as a timeout.
type ExternalDetector struct {
	scanner RemoteScanner
	kinds   map[domain.ArtifactKind]bool
}

// NewExternalDetector creates a detector for the given artifact kinds.
// With no kinds it accepts every kind.
func NewExternalDetector(scanner RemoteScanner, kinds ...domain.ArtifactKind) *ExternalDetector {
	d := &ExternalDetector{scanner: scanner, kinds: map[domain.ArtifactKind]bool{}}
	for _, k := range kinds {
		d.kinds[k] = true
	}
	return d
}

// Name returns the detector name
func (d *ExternalDetector) Name() string {
	return ExternalDetectorName
}

// Inspect calls the remote service
func (d *ExternalDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	if len(d.kinds) > 0 && !d.kinds[artifact.Kind] {
		return Skipped(fmt.Sprintf("remote scanner does not accept %s artifacts", artifact.Kind))
	}
	if d.scanner == nil {
		return Skipped("remote scanner not configured")
	}

	result, err := d.scanner.Scan(ctx, artifact)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TimedOut(fmt.Sprintf("remote scan: %v", err))
		}
		return Errored(fmt.Errorf("remote scan: %w", err))
	}

	if result.Classification.Severity() < 0 {
		return Completed(domain.ClassInconclusive, result.Reason, result.Confidence)
	}
	return Completed(result.Classification, result.Reason, result.Confidence)
}
