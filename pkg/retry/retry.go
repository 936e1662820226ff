// Package retry implements the backoff policy shared by every fetch.
//
// The decision of whether and how long to wait is the pure function
// Policy.Next; Do wraps it with jitter, sleeping and metrics.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed delay. A rate-limit hint may exceed it.
	MaxBackoff time.Duration

	// Multiplier is the growth factor between attempts.
	Multiplier float64

	// Jitter is the +/- fraction applied to each sleep by Do (0.2 = 20%).
	Jitter float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Next decides what happens after the given failed attempt (1-based).
// It returns the delay before the next attempt, or false to give up.
// Rate-limit failures back off two extra steps and never wait less than hint.
func (p Policy) Next(attempt int, class ErrorClass, hint time.Duration) (time.Duration, bool) {
	if !Retryable(class) || attempt >= p.MaxAttempts {
		return 0, false
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	exp := float64(attempt - 1)
	if class == ClassRateLimit {
		exp += 2
	}

	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, exp)
	delay := p.MaxBackoff
	if backoff < float64(p.MaxBackoff) {
		delay = time.Duration(backoff)
	}

	if class == ClassRateLimit && hint > delay {
		delay = hint
	}
	return delay, true
}

// jitter spreads delay by +/- Jitter without going below floor.
func (p Policy) jitter(delay, floor time.Duration) time.Duration {
	if p.Jitter <= 0 || delay <= 0 {
		return delay
	}
	d := time.Duration(float64(delay) * (1 - p.Jitter + rand.Float64()*2*p.Jitter))
	if d < floor {
		return floor
	}
	return d
}

// Do executes fn until it succeeds, fails permanently or the policy gives up.
// fn receives the 1-based attempt number. Permanent errors are returned as is;
// exhausted transient errors are wrapped in ErrRetryExhausted.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		class, hint := ClassOf(err)
		delay, ok := p.Next(attempt, class, hint)
		if !ok {
			if !Retryable(class) {
				return err
			}
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			log.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", p.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		var floor time.Duration
		if class == ClassRateLimit {
			floor = hint
		}
		delay = p.jitter(delay, floor)

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		log.Debug().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}
