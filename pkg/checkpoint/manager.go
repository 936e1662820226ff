package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_checkpoint_saves_total",
	Help: "Checkpoint save attempts by result",
}, []string{"result"})

// Manager is the single writer of the in-memory checkpoint. All mutation goes
// through it, and Persist writes a consistent snapshot to the Store.
type Manager struct {
	mu     sync.Mutex
	cp     *Checkpoint
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager wraps cp (which the manager takes ownership of) and store.
func NewManager(store Store, cp *Checkpoint, logger zerolog.Logger) *Manager {
	return &Manager{
		cp:     cp,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Complete marks page as persisted with items records.
func (m *Manager) Complete(page, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp.MarkCompleted(page, items)
}

// Fail marks page as failed.
func (m *Manager) Fail(page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp.MarkFailed(page)
}

// Reject counts records dropped by validation.
func (m *Manager) Reject(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp.AddRejected(n)
}

// Snapshot returns a copy of the current checkpoint.
func (m *Manager) Snapshot() *Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp.Clone()
}

// Pending returns the pages not yet completed.
func (m *Manager) Pending() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp.Pending()
}

// Failed returns the failed pages.
func (m *Manager) Failed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp.Failed()
}

// Persist saves a snapshot. Failures are logged and returned but leave the
// in-memory state untouched, so the next Persist retries with newer data.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.Lock()
	m.cp.UpdatedAt = m.now().UTC()
	snap := m.cp.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snap); err != nil {
		savesTotal.WithLabelValues("error").Inc()
		m.logger.Error().
			Err(err).
			Int("completed_pages", len(snap.CompletedPages)).
			Msg("Failed to save checkpoint")
		return err
	}

	savesTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Int("completed_pages", len(snap.CompletedPages)).
		Int("failed_pages", len(snap.FailedPages)).
		Int64("items_persisted", snap.ItemsPersisted).
		Msg("Checkpoint saved")
	return nil
}

// Clear deletes the stored checkpoint.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to clear checkpoint")
		return err
	}
	m.logger.Info().Msg("Checkpoint cleared")
	return nil
}
