package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers         = 8
	DefaultDetectorTimeout = 5 * time.Second
	DefaultPipelineTimeout = 20 * time.Second
)

// PipelineConfig bounds detector execution
type PipelineConfig struct {
	// Workers is the number of detector invocations that may run at once,
	// shared by every inspection running through the pipeline
	Workers int64 `koanf:"workers" validate:"gte=0"`
	// DetectorTimeout is the per-detector budget (t_max)
	DetectorTimeout time.Duration `koanf:"detector_timeout" validate:"gte=0"`
	// Timeout is the global budget of one inspection (T)
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	// HardCancel cancels already-dispatched detectors when the caller goes
	// away. When false they run to completion, still bounded by Timeout.
	HardCancel bool `koanf:"hard_cancel"`
}

// RunResult holds one finding per detector, in detector order
type RunResult struct {
	Findings []domain.Finding
	// TimedOut is set when Timeout elapsed before every detector reported
	TimedOut bool
	// Cancelled is set when the caller's context ended during the run
	Cancelled bool
}

// Pipeline fans an artifact out to every detector and collects their findings.
//
// Detectors are independent: none sees another's finding, and a failing,
// panicking or hung detector only affects its own finding.
type Pipeline struct {
	detectors []detection.Detector
	cfg       PipelineConfig
	pool      *semaphore.Weighted
}

type indexedFinding struct {
	index   int
	finding domain.Finding
}

// NewPipeline creates a pipeline over the given detectors
func NewPipeline(detectors []detection.Detector, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DetectorTimeout <= 0 {
		cfg.DetectorTimeout = DefaultDetectorTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPipelineTimeout
	}
	return &Pipeline{
		detectors: detectors,
		cfg:       cfg,
		pool:      semaphore.NewWeighted(cfg.Workers),
	}
}

// Detectors returns the names of the configured detectors, in order
func (p *Pipeline) Detectors() []string {
	names := make([]string, len(p.detectors))
	for i, d := range p.detectors {
		names[i] = d.Name()
	}
	return names
}

// Run inspects artifact with every detector and returns within Timeout.
//
// Outstanding detectors at Timeout are reported as timed_out. If ctx ends
// first, detectors not yet dispatched are reported as skipped; dispatched
// ones either finish (soft cancel) or are cancelled and reported as errored
// (HardCancel).
func (p *Pipeline) Run(ctx context.Context, artifact domain.Artifact) RunResult {
	start := time.Now()
	n := len(p.detectors)
	result := RunResult{Findings: make([]domain.Finding, n)}
	if n == 0 {
		return result
	}

	// budget is detached from the caller so that a soft cancel does not stop
	// dispatched detectors
	budget, cancelBudget := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancelBudget()

	// sched governs slot acquisition: caller cancellation or Timeout
	sched, cancelSched := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancelSched()

	exec := budget
	if p.cfg.HardCancel {
		exec = sched
	}

	// buffered so that late senders never block after Run returns
	results := make(chan indexedFinding, n)
	go p.dispatch(ctx, sched, exec, artifact, start, results)

	done := make([]bool, n)
	received := 0
collect:
	for received < n {
		select {
		case r := <-results:
			result.Findings[r.index] = r.finding
			done[r.index] = true
			received++
		case <-budget.Done():
			result.TimedOut = true
			break collect
		}
	}

	if result.TimedOut {
		for i, d := range p.detectors {
			if !done[i] {
				f := detection.TimedOut(fmt.Sprintf("%s after %s", domain.ErrPipelineTimeout, p.cfg.Timeout))
				result.Findings[i] = stamp(f, d, time.Since(start))
			}
		}
		metrics.PipelineTimeouts.Inc()
	}
	result.Cancelled = ctx.Err() != nil

	for _, f := range result.Findings {
		metrics.DetectorDuration.WithLabelValues(f.DetectorID).Observe(f.Elapsed.Seconds())
		metrics.DetectorFindings.WithLabelValues(f.DetectorID, string(f.Status)).Inc()
		logging.Ctx(ctx).Debug().
			Str("hash", artifact.Hash).
			Str("detector", f.DetectorID).
			Str("status", string(f.Status)).
			Str("classification", string(f.Classification)).
			Dur("elapsed", f.Elapsed).
			Msg("detector finished")
	}
	metrics.InspectionDuration.WithLabelValues(string(artifact.Kind)).Observe(time.Since(start).Seconds())

	return result
}

// dispatch acquires a pool slot per detector, in order, and starts it
func (p *Pipeline) dispatch(caller, sched, exec context.Context, artifact domain.Artifact, start time.Time, results chan<- indexedFinding) {
	for i, det := range p.detectors {
		// Acquire may succeed on an already-done context
		err := sched.Err()
		if err == nil {
			err = p.pool.Acquire(sched, 1)
		}
		if err != nil {
			for j := i; j < len(p.detectors); j++ {
				results <- indexedFinding{index: j, finding: p.undispatched(caller, p.detectors[j], start)}
			}
			return
		}

		// Each detector gets its own payload copy, so one that writes to it
		// cannot change what the others or the caller see
		view := artifact.Clone()
		i, det := i, det
		go func() {
			defer p.pool.Release(1)
			results <- indexedFinding{index: i, finding: p.invoke(caller, exec, det, view)}
		}()
	}
}

func (p *Pipeline) undispatched(caller context.Context, det detection.Detector, start time.Time) domain.Finding {
	if err := caller.Err(); err != nil {
		return stamp(detection.Skipped(fmt.Sprintf("not dispatched: %v", err)), det, time.Since(start))
	}
	return stamp(detection.TimedOut(fmt.Sprintf("%s before dispatch", domain.ErrPipelineTimeout)), det, time.Since(start))
}

// invoke runs one detector under its own t_max. It returns at the deadline
// even if the detector does not; the detector's late result is dropped.
func (p *Pipeline) invoke(caller, exec context.Context, det detection.Detector, artifact domain.Artifact) domain.Finding {
	detCtx, cancel := context.WithTimeout(exec, p.cfg.DetectorTimeout)
	defer cancel()

	started := time.Now()
	out := make(chan domain.Finding, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Ctx(caller).Error().
					Str("detector", det.Name()).
					Interface("panic", r).
					Msg("detector panicked")
				out <- detection.Errored(fmt.Errorf("detector panicked: %v", r))
			}
		}()
		out <- det.Inspect(detCtx, artifact)
	}()

	var finding domain.Finding
	select {
	case finding = <-out:
		if finding.Status != domain.StatusCompleted && detCtx.Err() != nil {
			finding = p.interrupted(caller, detCtx)
		}
	case <-detCtx.Done():
		finding = p.interrupted(caller, detCtx)
	}

	if finding.Status == "" {
		finding.Status = domain.StatusCompleted
	}
	if finding.Classification == "" {
		finding.Classification = domain.ClassInconclusive
	}
	return stamp(finding, det, time.Since(started))
}

func (p *Pipeline) interrupted(caller, detCtx context.Context) domain.Finding {
	if p.cfg.HardCancel && caller.Err() != nil {
		return detection.Errored(fmt.Errorf("inspection cancelled: %w", caller.Err()))
	}
	return detection.TimedOut(fmt.Sprintf("%s: %v", domain.ErrDetectorTimeout, detCtx.Err()))
}

func stamp(f domain.Finding, det detection.Detector, elapsed time.Duration) domain.Finding {
	f.ID = uuid.New()
	f.DetectorID = det.Name()
	f.Elapsed = elapsed
	return f
}
