// Package ratelimit tracks rate-limit signals (429 responses) from the source
// and turns them into a shared cooldown that pauses new requests.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil = "ingest:rate_limit:cooldown_until"
	RedisKeyLastSignal    = "ingest:rate_limit:last_signal"
	RedisKeySignals       = "ingest:rate_limit:signals"
)

// DefaultCooldown is applied when a rate-limit response carries no Retry-After hint.
const DefaultCooldown = 5 * time.Second

// CooldownState represents the current rate-limit cooldown.
type CooldownState struct {
	// Until is the instant before which no new request should be started.
	Until time.Time `json:"until"`

	// LastSignal is when the most recent rate-limit response was observed.
	LastSignal time.Time `json:"last_signal"`

	// Signals counts rate-limit responses seen since the state was created.
	Signals int64 `json:"signals"`
}

// Active returns true if the cooldown has not yet elapsed at now.
func (s *CooldownState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns the time left in the cooldown.
// Returns 0 if the cooldown has already elapsed.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Extend pushes Until out to now+wait, never pulling it earlier.
func (s *CooldownState) Extend(now time.Time, wait time.Duration) {
	if wait <= 0 {
		wait = DefaultCooldown
	}
	if until := now.Add(wait); until.After(s.Until) {
		s.Until = until
	}
	s.LastSignal = now
	s.Signals++
}
