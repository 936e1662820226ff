package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates no checkpoint has been saved yet.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrRegression indicates a save would move ItemsPersisted backwards.
	ErrRegression = errors.New("checkpoint regression")

	// ErrInvalid indicates a stored checkpoint is corrupted.
	ErrInvalid = errors.New("invalid checkpoint")
)

// Store persists checkpoints.
type Store interface {
	// Load returns the saved checkpoint or ErrNotFound.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save replaces the saved checkpoint. Readers never see a partial write.
	Save(ctx context.Context, cp *Checkpoint) error

	// Delete removes the saved checkpoint. Deleting nothing is not an error.
	Delete(ctx context.Context) error
}

// monotonic guards against saving a snapshot behind the last one this
// process loaded or saved.
type monotonic struct {
	mu   sync.Mutex
	last int64
	seen bool
}

func (m *monotonic) check(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen && cp.ItemsPersisted < m.last {
		return fmt.Errorf("%w: items_persisted %d < %d", ErrRegression, cp.ItemsPersisted, m.last)
	}
	return nil
}

func (m *monotonic) observe(cp *Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = cp.ItemsPersisted
	m.seen = true
}

func (m *monotonic) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = 0
	m.seen = false
}

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cp.ensureSets()
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cp, nil
}

// FileStore keeps the checkpoint in a JSON file.
type FileStore struct {
	path string
	mono monotonic
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the checkpoint file.
func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	cp, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.mono.observe(cp)
	return cp, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target once fully synced.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := s.mono.check(cp); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	// Persist the rename itself; not all platforms allow syncing a directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	s.mono.observe(cp)
	return nil
}

// Delete removes the checkpoint file.
func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	s.mono.reset()
	return nil
}

// DefaultRedisKey is the key RedisStore uses when none is given.
const DefaultRedisKey = "ingest:checkpoint"

// RedisStore keeps the checkpoint as a JSON value under one Redis key.
// A single SET replaces the value atomically.
type RedisStore struct {
	redis *redis.Client
	key   string
	mono  monotonic
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: redisClient, key: key}
}

// Load reads the checkpoint from Redis.
func (s *RedisStore) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	cp, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.mono.observe(cp)
	return cp, nil
}

// Save stores the checkpoint without expiry.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := s.mono.check(cp); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.mono.observe(cp)
	return nil
}

// Delete removes the checkpoint key.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	s.mono.reset()
	return nil
}
