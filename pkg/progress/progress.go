// Package progress derives completion percentage, throughput and ETA from
// the ingestion counters.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	percentGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_progress_percent",
		Help: "Share of pages settled (completed or failed), 0-100",
	})

	etaGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_eta_seconds",
		Help: "Estimated seconds until all pages are settled",
	})
)

const (
	// DefaultWindow is the span of recent samples used for the rate.
	DefaultWindow = 30 * time.Second

	// DefaultMaxSamples caps the window size.
	DefaultMaxSamples = 20
)

// Counters are the cumulative values the orchestrator tracks.
type Counters struct {
	PagesCompleted int
	PagesFailed    int
	ItemsPersisted int64
	TotalPages     int
	TotalItems     int
	Elapsed        time.Duration

	// ResumedPages and ResumedItems were already done when the run started
	// and are excluded from this run's rate.
	ResumedPages int
	ResumedItems int64
}

// Sample is one observation of the completed page count.
type Sample struct {
	At    time.Duration // elapsed since start
	Pages int
	Items int64
}

// Status is the derived progress view.
type Status struct {
	Percent        float64
	PagesPerSecond float64
	ItemsPerSecond float64

	// ETA is zero when unknown (no throughput yet) or when nothing remains.
	ETA time.Duration
}

// Estimate computes the status from counters and recent samples. The rate
// comes from the oldest and newest sample in window; with fewer than two
// samples it falls back to the average since the run started.
func Estimate(c Counters, window []Sample) Status {
	var s Status

	settled := c.PagesCompleted + c.PagesFailed
	if c.TotalPages > 0 {
		s.Percent = float64(settled) / float64(c.TotalPages) * 100
		if s.Percent > 100 {
			s.Percent = 100
		}
	}

	if len(window) >= 2 {
		first, last := window[0], window[len(window)-1]
		if span := (last.At - first.At).Seconds(); span > 0 {
			s.PagesPerSecond = float64(last.Pages-first.Pages) / span
			s.ItemsPerSecond = float64(last.Items-first.Items) / span
		}
	} else if secs := c.Elapsed.Seconds(); secs > 0 {
		s.PagesPerSecond = float64(max(c.PagesCompleted-c.ResumedPages, 0)) / secs
		s.ItemsPerSecond = float64(max(c.ItemsPersisted-c.ResumedItems, 0)) / secs
	}

	remaining := c.TotalPages - settled
	if remaining > 0 && s.PagesPerSecond > 0 {
		s.ETA = time.Duration(float64(remaining) / s.PagesPerSecond * float64(time.Second))
	}
	return s
}

// Reporter keeps the sliding window and emits status events.
type Reporter struct {
	mu         sync.Mutex
	window     time.Duration
	maxSamples int
	samples    []Sample
	logger     zerolog.Logger
}

// NewReporter creates a reporter with the default window.
func NewReporter(logger zerolog.Logger) *Reporter {
	return &Reporter{
		window:     DefaultWindow,
		maxSamples: DefaultMaxSamples,
		logger:     logger,
	}
}

// Observe records a sample and returns the resulting status.
func (r *Reporter) Observe(c Counters) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, Sample{At: c.Elapsed, Pages: c.PagesCompleted, Items: c.ItemsPersisted})

	// Trim by age, then by count
	cut := 0
	for cut < len(r.samples)-1 && c.Elapsed-r.samples[cut].At > r.window {
		cut++
	}
	if n := len(r.samples) - cut; n > r.maxSamples {
		cut += n - r.maxSamples
	}
	r.samples = append(r.samples[:0], r.samples[cut:]...)

	return Estimate(c, r.samples)
}

// Report observes c and emits the status as a log event and gauges.
func (r *Reporter) Report(c Counters) Status {
	s := r.Observe(c)

	percentGauge.Set(s.Percent)
	etaGauge.Set(s.ETA.Seconds())

	ev := r.logger.Info().
		Int("pages_completed", c.PagesCompleted).
		Int("pages_failed", c.PagesFailed).
		Int("total_pages", c.TotalPages).
		Int64("items_persisted", c.ItemsPersisted).
		Float64("percent", math.Round(s.Percent*10)/10).
		Float64("pages_per_second", s.PagesPerSecond).
		Float64("items_per_second", s.ItemsPerSecond)
	if s.ETA > 0 {
		ev = ev.Dur("eta", s.ETA.Round(time.Second))
	}
	ev.Msg("Progress")
	return s
}
