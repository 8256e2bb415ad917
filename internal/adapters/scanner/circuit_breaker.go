package scanner

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/metrics"
)

const breakerName = "remote-scanner"

// BreakerScanner wraps a RemoteScanner with a circuit breaker so that an
// unavailable scanning API fails fast instead of consuming every detector's
// time budget.
type BreakerScanner struct {
	next detection.RemoteScanner
	cb   *gobreaker.CircuitBreaker[detection.RemoteResult]
}

// NewBreakerScanner wraps next
func NewBreakerScanner(next detection.RemoteScanner, cfg Config) *BreakerScanner {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a cancelled caller says nothing about scanner health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(float64(gobreaker.StateClosed))

	return &BreakerScanner{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[detection.RemoteResult](settings),
	}
}

// Scan calls the wrapped scanner unless the breaker is open
func (b *BreakerScanner) Scan(ctx context.Context, artifact domain.Artifact) (detection.RemoteResult, error) {
	result, err := b.cb.Execute(func() (detection.RemoteResult, error) {
		return b.next.Scan(ctx, artifact)
	})

	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
	}
	return result, err
}

// State returns the current breaker state
func (b *BreakerScanner) State() gobreaker.State {
	return b.cb.State()
}
