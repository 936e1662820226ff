// Package metrics provides the Prometheus surface of the ingester.
// All metrics are defined in their respective packages (retry, source, gate,
// checkpoint, sink, progress, ingest) via promauto to keep the packages
// independent; this package serves them and documents them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the ingester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve exposes Handler on addr until ctx is done, then shuts down.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Stopping metrics server")
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/source):
//   - ingest_requests_total{status} (Counter): Source requests by HTTP status
//   - ingest_request_duration_seconds (Histogram): Source request duration
//   - ingest_fetch_errors_total{class} (Counter): Failed fetch attempts by error class
//
// Retry Metrics (pkg/retry):
//   - ingest_retries_total{error_class} (Counter): Retry attempts by error class
//   - ingest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ingest_retry_exhausted_total{error_class} (Counter): Fetches that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit, pkg/gate):
//   - ingest_rate_limit_signals_total (Counter): 429 responses observed
//   - ingest_rate_limit_cooldown_seconds (Gauge): Current cooldown length
//   - ingest_inflight_requests (Gauge): Fetches holding a gate slot
//
// Persistence Metrics (pkg/checkpoint, pkg/sink):
//   - ingest_checkpoint_saves_total{result} (Counter): Checkpoint saves (ok, error)
//   - ingest_sink_records_total{result} (Counter): Records offered (written, duplicate)
//
// Run Metrics (pkg/ingest, pkg/progress):
//   - ingest_pages_total{result} (Counter): Pages settled (completed, failed, skipped)
//   - ingest_batches_total (Counter): Processed batches
//   - ingest_batch_duration_seconds (Histogram): Wall time per batch
//   - ingest_progress_percent (Gauge): Settled share of pages
//   - ingest_eta_seconds (Gauge): Estimated time to completion
//
// Example Prometheus Queries:
//
//   # Page failure rate
//   rate(ingest_pages_total{result="failed"}[5m]) / rate(ingest_pages_total[5m])
//
//   # Duplicate share on a resumed run
//   rate(ingest_sink_records_total{result="duplicate"}[5m]) / rate(ingest_sink_records_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(ingest_request_duration_seconds_bucket[5m]))
//
//   # Rate-limited requests
//   rate(ingest_rate_limit_signals_total[5m]) > 0
