package detection

import (
	"context"
	"fmt"

	"github.com/stoik/content-inspection/internal/domain"
)

// Detector is one inspection strategy.
//
// Contract:
//   - Inspect must not mutate the artifact (it is received by value, and the
//     payload slice must be treated as read-only)
//   - Inspect must honour ctx; the pipeline cancels it when the detector's
//     time budget elapses and stops waiting regardless of whether it returns
//   - a detector that cannot form an opinion returns a Skipped finding
//   - failures are reported as Errored findings, never as panics
//   - detectors are independent and never see each other's findings
//
// The pipeline fills in ID, DetectorID and Elapsed on the returned Finding.
type Detector interface {
	Name() string
	Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding
}

// Completed builds a finding for a detector that formed an opinion
func Completed(class domain.Classification, reason string, confidence *float64) domain.Finding {
	return domain.Finding{
		Classification: class,
		Reason:         reason,
		Confidence:     confidence,
		Status:         domain.StatusCompleted,
	}
}

// Skipped builds a finding for a detector that declines the artifact
func Skipped(reason string) domain.Finding {
	return domain.Finding{
		Classification: domain.ClassInconclusive,
		Reason:         reason,
		Status:         domain.StatusSkipped,
	}
}

// Errored builds a finding for a detector that failed
func Errored(err error) domain.Finding {
	return domain.Finding{
		Classification: domain.ClassInconclusive,
		Reason:         err.Error(),
		Status:         domain.StatusErrored,
	}
}

// TimedOut builds a finding for a detector the pipeline stopped waiting for
func TimedOut(reason string) domain.Finding {
	return domain.Finding{
		Classification: domain.ClassInconclusive,
		Reason:         reason,
		Status:         domain.StatusTimedOut,
	}
}

// Factory builds a detector instance
type Factory func() (Detector, error)

// Registry maps detector names to constructors
type Registry map[string]Factory

// Build instantiates detectors from the provided names, in order.
// Duplicate names are ignored.
func (r Registry) Build(names []string) ([]Detector, error) {
	detectors := make([]Detector, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		factory, ok := r[name]
		if !ok {
			return nil, fmt.Errorf("unknown detector: %s", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		det, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build detector %s: %w", name, err)
		}
		detectors = append(detectors, det)
	}
	return detectors, nil
}
