package sink

import (
	"context"
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/record"
	"github.com/rs/zerolog/log"
)

// RetrySink decorates another Sink adding automatic retry capabilities.
// It attempts the append up to the configured number of attempts, waiting
// the given delay between them. The error of the last attempt is returned.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delay is 0, it defaults to one second.
type RetrySink struct {
	inner    Sink
	attempts int
	delay    time.Duration
}

// NewRetrySink builds a Sink with retry behaviour around inner.
func NewRetrySink(inner Sink, attempts int, delay time.Duration) *RetrySink {
	if attempts < 1 {
		attempts = 1
	}
	if delay == 0 {
		delay = time.Second
	}
	return &RetrySink{
		inner:    inner,
		attempts: attempts,
		delay:    delay,
	}
}

// Append forwards the call to the wrapped sink retrying on failure.
// Retrying is safe because every Sink is idempotent by record key.
func (r *RetrySink) Append(ctx context.Context, records []record.Record) (int, error) {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var n int
		n, err = r.inner.Append(ctx, records)
		if err == nil {
			return n, nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", r.attempts).
			Msg("Sink append failed")

		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return 0, err
			case <-time.After(r.delay):
			}
		}
	}
	return 0, err
}

// Close closes the wrapped sink.
func (r *RetrySink) Close() error {
	return r.inner.Close()
}
