// Package gate bounds the number of in-flight source requests and holds new
// requests back while a rate-limit cooldown is active.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ingest_inflight_requests",
	Help: "Number of page fetches currently holding a gate slot",
})

// Gate is a counting semaphore for page fetches.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int
	cooldown ratelimit.Tracker

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a gate admitting at most limit concurrent holders.
// cooldown may be nil, in which case rate-limit signals are not consulted.
func New(limit int, cooldown ratelimit.Tracker) (*Gate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("gate limit must be > 0 (got %d)", limit)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(limit)),
		limit:    limit,
		cooldown: cooldown,
	}, nil
}

// Acquire blocks until a slot is free and no cooldown is active.
// The returned release func is idempotent; callers must defer it.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.waitCooldown(ctx); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	n := g.inFlight.Add(1)
	inFlightGauge.Inc()
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			inFlightGauge.Dec()
			g.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Limit returns the configured bound.
func (g *Gate) Limit() int { return g.limit }

// InFlight returns the number of currently held slots.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest number of simultaneously held slots.
func (g *Gate) Peak() int { return int(g.peak.Load()) }

// waitCooldown sleeps until any active rate-limit cooldown has elapsed.
func (g *Gate) waitCooldown(ctx context.Context) error {
	if g.cooldown == nil {
		return nil
	}
	for {
		state, err := g.cooldown.State(ctx)
		if err != nil {
			// Cooldown is advisory; an unreachable tracker must not stall ingestion
			log.Warn().Err(err).Msg("Failed to read rate limit cooldown")
			return nil
		}

		wait := state.Remaining(time.Now())
		if wait <= 0 {
			return nil
		}

		log.Debug().Dur("wait", wait).Msg("Waiting for rate limit cooldown")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
