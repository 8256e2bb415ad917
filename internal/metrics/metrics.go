package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	InspectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspection_records_total",
			Help: "Total number of records created, by verdict classification",
		},
		[]string{"kind", "verdict"},
	)

	InspectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inspection_pipeline_duration_seconds",
			Help:    "Wall time of the detector fan-out/fan-in",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	PipelineTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inspection_pipeline_timeouts_total",
			Help: "Inspections whose global timeout elapsed before every detector finished",
		},
	)

	DedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inspection_dedup_hits_total",
			Help: "Submissions answered from an existing record inside the dedup window",
		},
	)

	// Detector metrics
	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_duration_seconds",
			Help:    "Duration of individual detector invocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	DetectorFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_findings_total",
			Help: "Findings produced per detector and status",
		},
		[]string{"detector", "status"},
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "record_store_errors_total",
			Help: "Record store failures by operation",
		},
		[]string{"operation"},
	)

	// Feed metrics
	KnownBadHashes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signature_known_bad_hashes",
			Help: "Number of hashes in the current known-bad snapshot",
		},
	)

	FeedRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signature_feed_refresh_errors_total",
			Help: "Failed known-bad hash feed reloads",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests through a circuit breaker by result",
		},
		[]string{"name", "result"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)
