package detection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stoik/content-inspection/internal/domain"
)

// StaticDetector returns a fixed finding, optionally after a delay.
// It replaces random outcomes with a deterministic, injectable result and
// counts its invocations so callers can assert whether it ran.
type StaticDetector struct {
	name    string
	finding domain.Finding
	delay   time.Duration
	calls   atomic.Int64
}

// NewStaticDetector creates a detector that always returns finding
func NewStaticDetector(name string, finding domain.Finding) *StaticDetector {
	return &StaticDetector{name: name, finding: finding}
}

// WithDelay makes Inspect wait before answering. A detector whose delay
// exceeds its budget still honours ctx and returns early.
func (d *StaticDetector) WithDelay(delay time.Duration) *StaticDetector {
	d.delay = delay
	return d
}

// Name returns the detector name
func (d *StaticDetector) Name() string {
	return d.name
}

// Calls returns how many times Inspect was invoked
func (d *StaticDetector) Calls() int64 {
	return d.calls.Load()
}

// Inspect returns the fixed finding
func (d *StaticDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	d.calls.Add(1)
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return TimedOut(ctx.Err().Error())
		}
	}
	return d.finding
}
