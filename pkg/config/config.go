// Package config loads the ingester configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration validation errors.
var (
	ErrMissingSourceURL      = errors.New("source.url is required")
	ErrInvalidPerPage        = errors.New("source.per_page must be at least 1")
	ErrInvalidConcurrency    = errors.New("fetch.concurrency must be at least 1")
	ErrInvalidTimeout        = errors.New("fetch.timeout must be positive")
	ErrInvalidMaxAttempts    = errors.New("fetch.retry.max_attempts must be at least 1")
	ErrInvalidBackoff        = errors.New("fetch.retry backoff must be positive and max >= initial")
	ErrInvalidMultiplier     = errors.New("fetch.retry.multiplier must be >= 1.0")
	ErrInvalidJitter         = errors.New("fetch.retry.jitter must be within [0, 1)")
	ErrInvalidBatchSize      = errors.New("ingest.batch_size must be at least 1")
	ErrInvalidCheckpointRate = errors.New("ingest.checkpoint_every must be at least 1")
	ErrInvalidBackend        = errors.New("unknown backend")
	ErrMissingPath           = errors.New("path is required for the file backend")
	ErrMissingDSN            = errors.New("sink.dsn is required for the postgres backend")
	ErrInvalidLogLevel       = errors.New("logging.level must be one of: debug, info, warn, error")
)

// Backend names.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

// Config represents the complete ingester configuration.
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sink       SinkConfig       `yaml:"sink"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SourceConfig describes the paginated endpoint.
type SourceConfig struct {
	URL     string            `yaml:"url"`
	PerPage int               `yaml:"per_page"`
	Params  map[string]string `yaml:"params"`
	Headers map[string]string `yaml:"headers"`
}

// FetchConfig controls request behaviour.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig is the per-page backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
}

// IngestConfig controls the batch loop.
type IngestConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	BatchPause      time.Duration `yaml:"batch_pause"`
	RetryFailed     bool          `yaml:"retry_failed"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ClearOnSuccess  bool          `yaml:"clear_on_success"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Key     string `yaml:"key"`
}

// SinkConfig selects the record store.
type SinkConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	DSN           string        `yaml:"dsn"`
	Table         string        `yaml:"table"`
	MaxConns      int           `yaml:"max_conns"`
	WriteAttempts int           `yaml:"write_attempts"`
	WriteDelay    time.Duration `yaml:"write_delay"`
}

// RedisConfig is shared by the redis checkpoint store and the cooldown tracker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// SharedCooldown tracks rate-limit cooldowns in Redis so several
	// ingesters hitting the same source back off together.
	SharedCooldown bool `yaml:"shared_cooldown"`
}

// LoggingConfig defines logging behaviour.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// MetricsConfig enables the /metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Source: SourceConfig{
			URL:     "https://mp-catalog.umico.az/api/v1/products",
			PerPage: 24,
			Params: map[string]string{
				"with_discount": "true",
				"sort":          "discount_score_desc",
			},
		},
		Fetch: FetchConfig{
			Timeout:     30 * time.Second,
			Concurrency: 5,
			Retry: RetryConfig{
				MaxAttempts:    5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Multiplier:     2.0,
				Jitter:         0.2,
			},
		},
		Ingest: IngestConfig{
			BatchSize:       50,
			CheckpointEvery: 5,
			BatchPause:      500 * time.Millisecond,
			RetryFailed:     true,
			ShutdownGrace:   30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendFile,
			Path:    "data/checkpoint.json",
			Key:     "ingest:checkpoint",
		},
		Sink: SinkConfig{
			Backend:       BackendCSV,
			Path:          "data/products.csv",
			Table:         "catalog_records",
			MaxConns:      4,
			WriteAttempts: 3,
			WriteDelay:    time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "data/ingest.log",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	c.Source.URL = getEnv("CATALOG_URL", c.Source.URL)
	c.Checkpoint.Backend = getEnv("CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Path = getEnv("CHECKPOINT_PATH", c.Checkpoint.Path)
	c.Sink.Backend = getEnv("SINK_BACKEND", c.Sink.Backend)
	c.Sink.Path = getEnv("OUTPUT_PATH", c.Sink.Path)
	c.Sink.DSN = getEnv("POSTGRES_DSN", c.Sink.DSN)
	c.Redis.Addr = getEnv("REDIS_URL", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Source.PerPage, err = getEnvInt("PER_PAGE", c.Source.PerPage); err != nil {
		return err
	}
	if c.Fetch.Concurrency, err = getEnvInt("CONCURRENCY", c.Fetch.Concurrency); err != nil {
		return err
	}
	if c.Ingest.BatchSize, err = getEnvInt("BATCH_SIZE", c.Ingest.BatchSize); err != nil {
		return err
	}
	if c.Logging.Pretty, err = getEnvBool("LOG_PRETTY", c.Logging.Pretty); err != nil {
		return err
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return ErrMissingSourceURL
	}
	if c.Source.PerPage < 1 {
		return ErrInvalidPerPage
	}

	if c.Fetch.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Fetch.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	r := c.Fetch.Retry
	if r.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		return ErrInvalidBackoff
	}
	if r.Multiplier < 1.0 {
		return ErrInvalidMultiplier
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return ErrInvalidJitter
	}

	if c.Ingest.BatchSize < 1 {
		return ErrInvalidBatchSize
	}
	if c.Ingest.CheckpointEvery < 1 {
		return ErrInvalidCheckpointRate
	}

	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint: %w", ErrMissingPath)
		}
	case BackendRedis:
	default:
		return fmt.Errorf("checkpoint.backend %q: %w", c.Checkpoint.Backend, ErrInvalidBackend)
	}

	switch c.Sink.Backend {
	case BackendCSV:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink: %w", ErrMissingPath)
		}
	case BackendPostgres:
		if c.Sink.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("sink.backend %q: %w", c.Sink.Backend, ErrInvalidBackend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Checkpoint.Backend == BackendRedis || c.Redis.SharedCooldown
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
