package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-ingest/pkg/gate"
	"github.com/Sternrassler/catalog-ingest/pkg/progress"
	"github.com/Sternrassler/catalog-ingest/pkg/record"
	"github.com/Sternrassler/catalog-ingest/pkg/retry"
	"github.com/Sternrassler/catalog-ingest/pkg/sink"
	"github.com/Sternrassler/catalog-ingest/pkg/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDiscovery indicates the total page count could not be obtained.
	ErrDiscovery = source.ErrDiscovery

	// ErrSinkUnavailable indicates records could not be written at all.
	ErrSinkUnavailable = errors.New("sink unavailable")
)

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_total",
		Help: "Settled pages by result (completed, failed, skipped)",
	}, []string{"result"})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Total processed batches",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_batch_duration_seconds",
		Help:    "Wall time per batch in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Config holds orchestrator configuration.
type Config struct {
	// BatchSize is the number of pages dispatched together.
	BatchSize int

	// CheckpointEvery persists the checkpoint after this many batches.
	CheckpointEvery int

	// BatchPause is slept between batches to stay polite to the source.
	BatchPause time.Duration

	// RetryFailed enables the final pass over failed pages.
	RetryFailed bool

	// ShutdownGrace bounds how long in-flight fetches may run after cancellation.
	ShutdownGrace time.Duration

	// ClearOnSuccess deletes the checkpoint after a run with no failed pages.
	ClearOnSuccess bool
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		CheckpointEvery: 5,
		BatchPause:      500 * time.Millisecond,
		RetryFailed:     true,
		ShutdownGrace:   30 * time.Second,
	}
}

// Orchestrator owns the lifecycle of an ingestion run.
type Orchestrator struct {
	fetcher source.PageFetcher
	gate    *gate.Gate
	store   checkpoint.Store
	sink    sink.Sink
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an orchestrator. Zero config values fall back to defaults.
func New(fetcher source.PageFetcher, g *gate.Gate, store checkpoint.Store, s sink.Sink, cfg Config) (*Orchestrator, error) {
	if fetcher == nil || g == nil || store == nil || s == nil {
		return nil, errors.New("fetcher, gate, store and sink are required")
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = def.CheckpointEvery
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	return &Orchestrator{
		fetcher: fetcher,
		gate:    g,
		store:   store,
		sink:    s,
		config:  cfg,
		logger:  log.With().Str("component", "ingest").Logger(),
		now:     time.Now,
	}, nil
}

// run carries the per-run state.
type run struct {
	mgr      *checkpoint.Manager
	reporter *progress.Reporter
	start    time.Time
	batches  int

	// counts carried over from a resumed checkpoint
	basePages int
	baseItems int64
}

// Run executes an ingestion run. The returned error is non-nil only for
// fatal conditions (ErrDiscovery, ErrSinkUnavailable); failed pages are
// reported in the Summary.
func (o *Orchestrator) Run(ctx context.Context, resume bool) (Summary, error) {
	r := &run{start: o.now(), reporter: progress.NewReporter(o.logger)}

	meta, err := o.fetcher.Discover(ctx)
	if err != nil {
		if !errors.Is(err, ErrDiscovery) {
			err = fmt.Errorf("%w: %w", ErrDiscovery, err)
		}
		return Summary{Duration: o.now().Sub(r.start)}, err
	}

	r.mgr = checkpoint.NewManager(o.store, o.initialCheckpoint(ctx, meta, resume), o.logger)

	pending := r.mgr.Pending()
	snap := r.mgr.Snapshot()
	r.basePages = len(snap.CompletedPages)
	r.baseItems = snap.ItemsPersisted
	o.logger.Info().
		Bool("resume", resume).
		Int("total_pages", snap.TotalPages).
		Int("completed_pages", len(snap.CompletedPages)).
		Int("pending_pages", len(pending)).
		Int("batch_size", o.config.BatchSize).
		Int("concurrency", o.gate.Limit()).
		Msg("Starting ingestion")

	interrupted, err := o.runPass(ctx, r, "main", pending)
	if err == nil && !interrupted && o.config.RetryFailed {
		if failed := r.mgr.Failed(); len(failed) > 0 {
			o.logger.Info().Int("pages", len(failed)).Msg("Retrying failed pages")
			interrupted, err = o.runPass(ctx, r, "retry", failed)
		}
	}

	// Final save must happen even when ctx is already cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ShutdownGrace)
	defer cancel()
	saveErr := r.mgr.Persist(saveCtx)

	summary := o.summarize(r, interrupted)
	if err != nil {
		o.logger.Error().Err(err).Msg("Ingestion halted")
		return summary, err
	}

	if interrupted {
		o.logger.Warn().
			Int("pending_pages", summary.PagesPending).
			Msg("Shutdown requested, progress saved")
	} else if len(summary.FailedPages) == 0 && o.config.ClearOnSuccess && saveErr == nil {
		_ = r.mgr.Clear(saveCtx)
	}

	ev := o.logger.Info()
	if len(summary.FailedPages) > 0 {
		ev = o.logger.Warn().Ints("failed_pages", summary.FailedPages)
	}
	ev.Int64("items_persisted", summary.ItemsPersisted).
		Int64("records_rejected", summary.RecordsRejected).
		Int("pages_completed", summary.PagesCompleted).
		Int("total_pages", summary.TotalPages).
		Dur("duration", summary.Duration).
		Bool("interrupted", summary.Interrupted).
		Msg("Ingestion finished")

	return summary, nil
}

// initialCheckpoint loads the saved checkpoint when resuming, otherwise
// returns an empty one sized from meta.
func (o *Orchestrator) initialCheckpoint(ctx context.Context, meta source.Meta, resume bool) *checkpoint.Checkpoint {
	fresh := checkpoint.New(meta.TotalPages, meta.TotalItems)
	if !resume {
		return fresh
	}

	cp, err := o.store.Load(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		o.logger.Info().Msg("No checkpoint found, starting fresh")
		return fresh
	case err != nil:
		o.logger.Warn().Err(err).Msg("Unreadable checkpoint, starting fresh")
		return fresh
	}

	// Totals are fixed at first discovery
	if cp.TotalPages == 0 && len(cp.CompletedPages) == 0 {
		cp.TotalPages = meta.TotalPages
		cp.TotalItemsExpected = meta.TotalItems
	} else if cp.TotalPages != meta.TotalPages || cp.TotalItemsExpected != meta.TotalItems {
		o.logger.Warn().
			Int("checkpoint_total_pages", cp.TotalPages).
			Int("source_total_pages", meta.TotalPages).
			Int("checkpoint_total_items", cp.TotalItemsExpected).
			Int("source_total_items", meta.TotalItems).
			Msg("Source size changed since checkpoint, keeping checkpoint totals")
	}

	o.logger.Info().
		Int("completed_pages", len(cp.CompletedPages)).
		Int("failed_pages", len(cp.FailedPages)).
		Int64("items_persisted", cp.ItemsPersisted).
		Msg("Resuming from checkpoint")
	return cp
}

// runPass processes pages in ordered batches. It reports whether it stopped
// early because ctx was cancelled.
func (o *Orchestrator) runPass(ctx context.Context, r *run, pass string, pages []int) (bool, error) {
	for i := 0; i < len(pages); i += o.config.BatchSize {
		if ctx.Err() != nil {
			return true, nil
		}

		batch := pages[i:min(i+o.config.BatchSize, len(pages))]
		skipped, err := o.runBatch(ctx, r, pass, batch)
		r.batches++

		if err != nil {
			o.persist(ctx, r)
			return false, err
		}
		o.report(r)

		if r.batches%o.config.CheckpointEvery == 0 {
			o.persist(ctx, r)
		}
		if skipped > 0 {
			return true, nil
		}

		if o.config.BatchPause > 0 && i+o.config.BatchSize < len(pages) {
			select {
			case <-ctx.Done():
			case <-time.After(o.config.BatchPause):
			}
		}
	}

	o.persist(ctx, r)
	return false, nil
}

// persist saves the checkpoint, bounded by ShutdownGrace and independent of
// cancellation. Failures are logged by the manager and retried next time.
func (o *Orchestrator) persist(ctx context.Context, r *run) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ShutdownGrace)
	defer cancel()
	_ = r.mgr.Persist(saveCtx)
}

// runBatch fetches, normalizes and persists the pages of one batch. It
// returns the number of pages left untouched because of shutdown.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, pass string, pages []int) (int, error) {
	start := time.Now()

	// Fetches outlive ctx by at most ShutdownGrace
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(o.config.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-batchCtx.Done():
		}
	})
	defer stop()

	outcomes := make([]pageOutcome, len(pages))
	g, gctx := errgroup.WithContext(batchCtx)
	for i, page := range pages {
		g.Go(func() error {
			out, err := o.processPage(ctx, gctx, r, page)
			outcomes[i] = out
			return err
		})
	}
	err := g.Wait()

	var completed, failed, skipped int
	for _, out := range outcomes {
		switch out {
		case outcomeCompleted:
			completed++
		case outcomeFailed:
			failed++
		default:
			skipped++
		}
	}

	batchesTotal.Inc()
	batchDuration.Observe(time.Since(start).Seconds())
	o.logger.Info().
		Str("pass", pass).
		Int("batch", r.batches+1).
		Int("first_page", pages[0]).
		Int("last_page", pages[len(pages)-1]).
		Int("completed", completed).
		Int("failed", failed).
		Int("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return skipped, err
}

type pageOutcome int

const (
	outcomeSkipped pageOutcome = iota
	outcomeCompleted
	outcomeFailed
)

// processPage runs one page through the pipeline. Only sink failures are
// returned as errors; fetch failures are recorded in the checkpoint.
func (o *Orchestrator) processPage(runCtx, ctx context.Context, r *run, page int) (pageOutcome, error) {
	release, err := o.gate.Acquire(ctx)
	if err != nil {
		pagesTotal.WithLabelValues("skipped").Inc()
		return outcomeSkipped, nil
	}
	defer release()

	// No new dispatch once shutdown was requested
	if runCtx.Err() != nil {
		pagesTotal.WithLabelValues("skipped").Inc()
		return outcomeSkipped, nil
	}

	p, err := o.fetcher.FetchPage(ctx, page)
	if err != nil {
		if errors.Is(err, retry.ErrContextCancelled) || ctx.Err() != nil {
			o.logger.Warn().Int("page", page).Msg("Page fetch cut off by shutdown, leaving pending")
			pagesTotal.WithLabelValues("skipped").Inc()
			return outcomeSkipped, nil
		}
		o.logger.Warn().Err(err).Int("page", page).Msg("Page failed")
		r.mgr.Fail(page)
		pagesTotal.WithLabelValues("failed").Inc()
		return outcomeFailed, nil
	}

	records, rejected := record.NormalizePage(page, p.Items, o.now().UTC())
	for _, rerr := range rejected {
		o.logger.Warn().Err(rerr).Int("page", page).Msg("Record rejected")
	}

	// Fetched records are written even after the grace period expires
	if _, err := o.sink.Append(context.WithoutCancel(ctx), records); err != nil {
		return outcomeSkipped, fmt.Errorf("%w: page %d: %w", ErrSinkUnavailable, page, err)
	}

	r.mgr.Reject(len(rejected))
	r.mgr.Complete(page, len(records))
	pagesTotal.WithLabelValues("completed").Inc()
	o.logger.Debug().
		Int("page", page).
		Int("records", len(records)).
		Int("rejected", len(rejected)).
		Int("attempts", p.Attempts).
		Msg("Page persisted")
	return outcomeCompleted, nil
}

// report emits a progress status.
func (o *Orchestrator) report(r *run) {
	snap := r.mgr.Snapshot()
	r.reporter.Report(progress.Counters{
		PagesCompleted: len(snap.CompletedPages),
		PagesFailed:    len(snap.FailedPages),
		ItemsPersisted: snap.ItemsPersisted,
		TotalPages:     snap.TotalPages,
		TotalItems:     snap.TotalItemsExpected,
		ResumedPages:   r.basePages,
		ResumedItems:   r.baseItems,
		Elapsed:        o.now().Sub(r.start),
	})
}

func (o *Orchestrator) summarize(r *run, interrupted bool) Summary {
	snap := r.mgr.Snapshot()
	failed := snap.Failed()
	return Summary{
		ItemsPersisted:  snap.ItemsPersisted,
		RecordsRejected: snap.RecordsRejected,
		PagesCompleted:  len(snap.CompletedPages),
		PagesPending:    len(snap.Pending()) - len(failed),
		FailedPages:     failed,
		TotalPages:      snap.TotalPages,
		TotalItems:      snap.TotalItemsExpected,
		Duration:        o.now().Sub(r.start),
		Interrupted:     interrupted,
	}
}
