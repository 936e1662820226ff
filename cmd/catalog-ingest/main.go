package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Sternrassler/catalog-ingest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-ingest/pkg/config"
	"github.com/Sternrassler/catalog-ingest/pkg/gate"
	"github.com/Sternrassler/catalog-ingest/pkg/ingest"
	"github.com/Sternrassler/catalog-ingest/pkg/logging"
	"github.com/Sternrassler/catalog-ingest/pkg/metrics"
	"github.com/Sternrassler/catalog-ingest/pkg/ratelimit"
	"github.com/Sternrassler/catalog-ingest/pkg/retry"
	"github.com/Sternrassler/catalog-ingest/pkg/sink"
	"github.com/Sternrassler/catalog-ingest/pkg/source"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, getEnv("CONFIG_PATH", ""), getEnvBool("RESUME", true))
	stop()
	os.Exit(code)
}

// run loads the configuration, wires the components and executes one
// ingestion run. It returns the process exit code.
func run(ctx context.Context, configPath string, resume bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer closeLog.Close()

	a, err := build(ctx, cfg, resume)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return 1
	}
	defer a.Close()

	if cfg.Metrics.Addr != "" {
		metricsCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	summary, err := a.orchestrator.Run(ctx, resume)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDiscovery):
			log.Error().Err(err).Msg("Could not determine the size of the catalog")
		case errors.Is(err, ingest.ErrSinkUnavailable):
			log.Error().Err(err).Msg("Output store is unavailable, progress saved")
		}
		return 1
	}

	if len(summary.FailedPages) > 0 {
		log.Warn().
			Ints("failed_pages", summary.FailedPages).
			Msg("Some pages could not be ingested; rerun with RESUME=true to retry them")
	}
	return summary.ExitCode()
}

func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(cfg.Level)
	lc.Pretty = cfg.Pretty

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := logging.OpenFile(cfg.File)
		if err != nil {
			return nil, err
		}
		lc.File = f
		closer = f
	}

	logging.Setup(lc)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// app holds the wired components of one run.
type app struct {
	orchestrator *ingest.Orchestrator
	sink         sink.Sink
	redis        *redis.Client
}

func (a *app) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close sink")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

// build wires the configured backends.
func build(ctx context.Context, cfg *config.Config, resume bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	var tracker ratelimit.Tracker
	if cfg.Redis.SharedCooldown {
		tracker = ratelimit.NewRedisTracker(a.redis, logging.NewLogger("ratelimit"))
	} else {
		tracker = ratelimit.NewMemoryTracker(logging.NewLogger("ratelimit"))
	}

	fetcher, err := source.New(sourceConfig(cfg), tracker)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	g, err := gate.New(cfg.Fetch.Concurrency, tracker)
	if err != nil {
		return nil, err
	}

	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		store = checkpoint.NewRedisStore(a.redis, cfg.Checkpoint.Key)
	default:
		store = checkpoint.NewFileStore(cfg.Checkpoint.Path)
	}

	out, err := openSink(ctx, cfg.Sink, resume)
	if err != nil {
		return nil, err
	}
	a.sink = sink.NewRetrySink(out, cfg.Sink.WriteAttempts, cfg.Sink.WriteDelay)

	a.orchestrator, err = ingest.New(fetcher, g, store, a.sink, ingest.Config{
		BatchSize:       cfg.Ingest.BatchSize,
		CheckpointEvery: cfg.Ingest.CheckpointEvery,
		BatchPause:      cfg.Ingest.BatchPause,
		RetryFailed:     cfg.Ingest.RetryFailed,
		ShutdownGrace:   cfg.Ingest.ShutdownGrace,
		ClearOnSuccess:  cfg.Ingest.ClearOnSuccess,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func sourceConfig(cfg *config.Config) source.Config {
	sc := source.DefaultConfig(cfg.Source.URL)
	sc.PerPage = cfg.Source.PerPage
	sc.Timeout = cfg.Fetch.Timeout
	if cfg.Source.Params != nil {
		sc.Params = cfg.Source.Params
	}
	for k, v := range cfg.Source.Headers {
		sc.Headers[k] = v
	}
	sc.Retry = retry.Policy{
		MaxAttempts:    cfg.Fetch.Retry.MaxAttempts,
		InitialBackoff: cfg.Fetch.Retry.InitialBackoff,
		MaxBackoff:     cfg.Fetch.Retry.MaxBackoff,
		Multiplier:     cfg.Fetch.Retry.Multiplier,
		Jitter:         cfg.Fetch.Retry.Jitter,
	}
	return sc
}

// openSink opens the configured record store. A fresh CSV run starts from an
// empty file; database rows are kept and deduplicated by key instead.
func openSink(ctx context.Context, cfg config.SinkConfig, resume bool) (sink.Sink, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := sink.OpenPostgres(ctx, cfg.DSN, cfg.Table, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		if !resume {
			if err := os.Remove(cfg.Path); err == nil {
				log.Info().Str("path", cfg.Path).Msg("Fresh run, previous output removed")
			} else if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: remove %s: %v", sink.ErrUnwritable, cfg.Path, err)
			}
		}
		return sink.OpenCSV(cfg.Path)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}
