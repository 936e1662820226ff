package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rate_limit_signals_total",
		Help: "Total number of rate-limit responses received from the source",
	})

	rateLimitCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_rate_limit_cooldown_seconds",
		Help: "Cooldown requested by the most recent rate-limit signal",
	})
)

// Tracker records rate-limit signals and reports the resulting cooldown.
type Tracker interface {
	// Signal records a rate-limit response with the server's retry hint (0 if none).
	Signal(ctx context.Context, retryAfter time.Duration) error

	// State returns the current cooldown state.
	State(ctx context.Context) (*CooldownState, error)
}

// MemoryTracker keeps the cooldown in process memory.
type MemoryTracker struct {
	mu     sync.Mutex
	state  CooldownState
	logger zerolog.Logger
	now    func() time.Time
}

// NewMemoryTracker creates a tracker local to this process.
func NewMemoryTracker(logger zerolog.Logger) *MemoryTracker {
	return &MemoryTracker{logger: logger, now: time.Now}
}

// Signal extends the cooldown.
func (t *MemoryTracker) Signal(_ context.Context, retryAfter time.Duration) error {
	t.mu.Lock()
	t.state.Extend(t.now(), retryAfter)
	until := t.state.Until
	t.mu.Unlock()

	observeSignal(t.logger, retryAfter, until)
	return nil
}

// State returns a copy of the cooldown state.
func (t *MemoryTracker) State(_ context.Context) (*CooldownState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	return &s, nil
}

// RedisTracker shares the cooldown between processes ingesting the same source.
type RedisTracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisTracker creates a new Redis-backed tracker.
func NewRedisTracker(redisClient *redis.Client, logger zerolog.Logger) *RedisTracker {
	return &RedisTracker{
		redis:  redisClient,
		logger: logger,
	}
}

// Signal extends the shared cooldown. Concurrent signals from other processes
// can only push the deadline further out.
func (t *RedisTracker) Signal(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultCooldown
	}
	now := time.Now()
	until := now.Add(retryAfter)

	err := t.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, RedisKeyCooldownUntil).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get cooldown: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if until.UnixMilli() > current {
				pipe.Set(ctx, RedisKeyCooldownUntil, until.UnixMilli(), 0)
			}
			pipe.Set(ctx, RedisKeyLastSignal, now.UnixMilli(), 0)
			pipe.Incr(ctx, RedisKeySignals)
			return nil
		})
		return err
	}, RedisKeyCooldownUntil)
	if err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}

	observeSignal(t.logger, retryAfter, until)
	return nil
}

// State retrieves the cooldown state from Redis.
// Returns an empty (inactive) state if no data exists in Redis.
func (t *RedisTracker) State(ctx context.Context) (*CooldownState, error) {
	vals, err := t.redis.MGet(ctx, RedisKeyCooldownUntil, RedisKeyLastSignal, RedisKeySignals).Result()
	if err != nil {
		return nil, fmt.Errorf("get cooldown state: %w", err)
	}

	state := &CooldownState{}
	if ms, ok := parseInt(vals[0]); ok {
		state.Until = time.UnixMilli(ms)
	}
	if ms, ok := parseInt(vals[1]); ok {
		state.LastSignal = time.UnixMilli(ms)
	}
	if n, ok := parseInt(vals[2]); ok {
		state.Signals = n
	}
	return state, nil
}

// parseInt converts an MGET value (string or nil) to int64.
func parseInt(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0, false
	}
	return n, true
}

func observeSignal(logger zerolog.Logger, retryAfter time.Duration, until time.Time) {
	rateLimitSignalsTotal.Inc()
	rateLimitCooldownSeconds.Set(retryAfter.Seconds())

	logger.Warn().
		Dur("retry_after", retryAfter).
		Time("cooldown_until", until).
		Msg("Rate limit signal received - pausing new requests")
}
