// Package sink persists normalized records.
//
// Every Sink must be idempotent by record key: appending a record whose key
// was already written (in this run or a previous one) is a no-op. This lets a
// resumed run replay a page whose checkpoint save was lost without
// duplicating output.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/Sternrassler/catalog-ingest/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrUnwritable indicates the storage medium cannot be written at all.
var ErrUnwritable = errors.New("sink unwritable")

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_sink_records_total",
	Help: "Records offered to the sink by result",
}, []string{"result"})

// Sink defines the behaviour expected from any record store.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Append durably writes the records not yet present and returns how many
	// were newly written.
	Append(ctx context.Context, records []record.Record) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// Dedup is a concurrency-safe set of record keys.
type Dedup struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewDedup creates an empty key index.
func NewDedup() *Dedup {
	return &Dedup{keys: make(map[string]struct{})}
}

// Filter returns the records whose keys are unseen, dropping repeats within
// the slice as well. It does not mark them as seen.
func (d *Dedup) Filter(records []record.Record) []record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]record.Record, 0, len(records))
	batch := make(map[string]struct{}, len(records))
	for _, r := range records {
		k := r.Key()
		if _, ok := d.keys[k]; ok {
			continue
		}
		if _, ok := batch[k]; ok {
			continue
		}
		batch[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Add marks keys as written.
func (d *Dedup) Add(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.keys[k] = struct{}{}
	}
}

// Len returns the number of known keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// MemorySink keeps records in memory. Useful for tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	seen    *Dedup
	records []record.Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: NewDedup()}
}

// Append stores unseen records.
func (s *MemorySink) Append(_ context.Context, records []record.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := s.seen.Filter(records)
	for _, r := range fresh {
		s.seen.Add(r.Key())
	}
	s.records = append(s.records, fresh...)
	observe(len(fresh), len(records))
	return len(fresh), nil
}

// Records returns a copy of everything stored.
func (s *MemorySink) Records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records...)
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

func observe(written, offered int) {
	recordsTotal.WithLabelValues("written").Add(float64(written))
	recordsTotal.WithLabelValues("duplicate").Add(float64(offered - written))
}
