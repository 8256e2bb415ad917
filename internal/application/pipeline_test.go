package application

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hangingDetector ignores its context and never returns until released
type hangingDetector struct {
	name    string
	release chan struct{}
}

func (d *hangingDetector) Name() string { return d.name }

func (d *hangingDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	<-d.release
	return detection.Completed(domain.ClassMalicious, "too late", nil)
}

func newHangingDetector(t *testing.T, name string) *hangingDetector {
	d := &hangingDetector{name: name, release: make(chan struct{})}
	t.Cleanup(func() { close(d.release) })
	return d
}

type panickingDetector struct{}

func (panickingDetector) Name() string { return "panicky" }

func (panickingDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	panic("index out of range")
}

// countingDetector records the peak number of concurrent invocations
type countingDetector struct {
	name   string
	active *atomic.Int64
	peak   *atomic.Int64
}

func (d countingDetector) Name() string { return d.name }

func (d countingDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	now := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		old := d.peak.Load()
		if now <= old || d.peak.CompareAndSwap(old, now) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return detection.Completed(domain.ClassClean, "", nil)
}

// scribblingDetector overwrites the payload it was given
type scribblingDetector struct{}

func (scribblingDetector) Name() string { return "scribbler" }

func (scribblingDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	for i := range artifact.Payload {
		artifact.Payload[i] = 'X'
	}
	return detection.Completed(domain.ClassClean, "", nil)
}

// hashCheckingDetector reports malicious when the payload no longer matches its hash
type hashCheckingDetector struct{}

func (hashCheckingDetector) Name() string { return "hash-check" }

func (hashCheckingDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	if domain.HashBytes(artifact.Payload) != artifact.Hash {
		return detection.Completed(domain.ClassMalicious, "payload does not match hash", nil)
	}
	return detection.Completed(domain.ClassClean, "payload intact", nil)
}

func clean(name string) *detection.StaticDetector {
	return detection.NewStaticDetector(name, detection.Completed(domain.ClassClean, "nothing found", domain.Confidence(0.9)))
}

func TestPipeline_RunAllCompleted(t *testing.T) {
	p := NewPipeline([]detection.Detector{
		clean("a"),
		detection.NewStaticDetector("b", detection.Completed(domain.ClassSuspicious, "odd", nil)),
	}, PipelineConfig{Workers: 2, DetectorTimeout: time.Second, Timeout: 2 * time.Second})

	res := p.Run(context.Background(), testArtifact(t, "a.txt", "hello"))

	require.Len(t, res.Findings, 2)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "a", res.Findings[0].DetectorID)
	assert.Equal(t, "b", res.Findings[1].DetectorID)
	assert.Equal(t, domain.ClassSuspicious, res.Findings[1].Classification)
	for _, f := range res.Findings {
		assert.NotEqual(t, uuid.Nil, f.ID)
		assert.Equal(t, domain.StatusCompleted, f.Status)
	}
	assert.Equal(t, []string{"a", "b"}, p.Detectors())
}

func TestPipeline_EmptyDetectorSet(t *testing.T) {
	res := NewPipeline(nil, PipelineConfig{}).Run(context.Background(), testArtifact(t, "a.txt", "hello"))
	assert.Empty(t, res.Findings)
	assert.False(t, res.TimedOut)
}

func TestPipeline_HungDetectorTimesOutAtBudget(t *testing.T) {
	tMax := 50 * time.Millisecond
	p := NewPipeline([]detection.Detector{
		clean("fast"),
		newHangingDetector(t, "hung"),
	}, PipelineConfig{Workers: 2, DetectorTimeout: tMax, Timeout: 5 * time.Second})

	start := time.Now()
	res := p.Run(context.Background(), testArtifact(t, "a.txt", "hello"))
	elapsed := time.Since(start)

	assert.False(t, res.TimedOut)
	assert.Equal(t, domain.StatusCompleted, res.Findings[0].Status)
	assert.Equal(t, domain.StatusTimedOut, res.Findings[1].Status)
	assert.Equal(t, domain.ClassInconclusive, res.Findings[1].Classification)
	assert.GreaterOrEqual(t, res.Findings[1].Elapsed, tMax)
	assert.Less(t, elapsed, time.Second, "run must not wait for the hung detector")
}

func TestPipeline_GlobalTimeoutBoundsRun(t *testing.T) {
	p := NewPipeline([]detection.Detector{
		newHangingDetector(t, "h1"),
		newHangingDetector(t, "h2"),
		newHangingDetector(t, "h3"),
	}, PipelineConfig{Workers: 1, DetectorTimeout: time.Hour, Timeout: 60 * time.Millisecond})

	start := time.Now()
	res := p.Run(context.Background(), testArtifact(t, "a.txt", "hello"))
	elapsed := time.Since(start)

	assert.True(t, res.TimedOut)
	assert.Less(t, elapsed, time.Second)
	require.Len(t, res.Findings, 3)
	for _, f := range res.Findings {
		assert.Equal(t, domain.StatusTimedOut, f.Status, f.DetectorID)
		assert.NotEqual(t, uuid.Nil, f.ID)
	}
}

func TestPipeline_PanicBecomesErroredFinding(t *testing.T) {
	p := NewPipeline([]detection.Detector{panickingDetector{}, clean("ok")},
		PipelineConfig{Workers: 2, DetectorTimeout: time.Second, Timeout: 2 * time.Second})

	res := p.Run(context.Background(), testArtifact(t, "a.txt", "hello"))

	assert.Equal(t, domain.StatusErrored, res.Findings[0].Status)
	assert.Contains(t, res.Findings[0].Reason, "panicked")
	assert.Equal(t, domain.StatusCompleted, res.Findings[1].Status)
}

func TestPipeline_WorkerBound(t *testing.T) {
	var active, peak atomic.Int64
	dets := make([]detection.Detector, 6)
	for i := range dets {
		dets[i] = countingDetector{name: string(rune('a' + i)), active: &active, peak: &peak}
	}

	res := NewPipeline(dets, PipelineConfig{Workers: 2, DetectorTimeout: time.Second, Timeout: 5 * time.Second}).
		Run(context.Background(), testArtifact(t, "a.txt", "hello"))

	require.Len(t, res.Findings, 6)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.GreaterOrEqual(t, peak.Load(), int64(1))
}

func TestPipeline_CallerCancellation(t *testing.T) {
	tests := []struct {
		name           string
		hardCancel     bool
		expectedFirst  domain.FindingStatus
		expectedSecond domain.FindingStatus
	}{
		{
			name:           "Soft cancel lets dispatched detectors finish",
			hardCancel:     false,
			expectedFirst:  domain.StatusCompleted,
			expectedSecond: domain.StatusSkipped,
		},
		{
			name:           "Hard cancel stops dispatched detectors",
			hardCancel:     true,
			expectedFirst:  domain.StatusErrored,
			expectedSecond: domain.StatusSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := clean("first").WithDelay(100 * time.Millisecond)
			second := clean("second")
			p := NewPipeline([]detection.Detector{first, second}, PipelineConfig{
				Workers:         1,
				DetectorTimeout: time.Second,
				Timeout:         2 * time.Second,
				HardCancel:      tt.hardCancel,
			})

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)

			res := p.Run(ctx, testArtifact(t, "a.txt", "hello"))

			assert.True(t, res.Cancelled)
			assert.False(t, res.TimedOut)
			assert.Equal(t, tt.expectedFirst, res.Findings[0].Status, res.Findings[0].Reason)
			assert.Equal(t, tt.expectedSecond, res.Findings[1].Status, res.Findings[1].Reason)
			assert.Equal(t, int64(0), second.Calls())
		})
	}
}

func TestPipeline_DetectorsCannotMutateArtifact(t *testing.T) {
	tests := []struct {
		name    string
		workers int64
	}{
		{name: "Sequential", workers: 1},
		{name: "Concurrent", workers: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline([]detection.Detector{
				scribblingDetector{},
				hashCheckingDetector{},
				scribblingDetector{},
				hashCheckingDetector{},
			}, PipelineConfig{Workers: tt.workers, DetectorTimeout: time.Second, Timeout: 2 * time.Second})

			artifact := testArtifact(t, "a.txt", "hello world")
			res := p.Run(context.Background(), artifact)

			assert.Equal(t, "hello world", string(artifact.Payload))
			assert.Equal(t, domain.HashBytes(artifact.Payload), artifact.Hash)
			require.Len(t, res.Findings, 4)
			assert.Equal(t, domain.ClassClean, res.Findings[1].Classification, res.Findings[1].Reason)
			assert.Equal(t, domain.ClassClean, res.Findings[3].Classification, res.Findings[3].Reason)
		})
	}
}

func testArtifact(t *testing.T, name, content string) domain.Artifact {
	t.Helper()
	a, err := domain.NewFileArtifact(name, []byte(content), 0, domain.Limits{}, time.Now())
	require.NoError(t, err)
	return a
}
