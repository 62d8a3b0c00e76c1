package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Backend is a best-effort persistence layer for cache entries. A Backend is
// only ever called from one cache instance; implementations do not need to
// coordinate across processes.
type Backend interface {
	Load() (map[string]Entry, error)
	Save(entries map[string]Entry) error
	Clear() error
}

// FileBackend persists the cache as a single JSON blob on disk.
type FileBackend struct {
	path string
}

var _ Backend = &FileBackend{}

func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("file cache backend: empty path")
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Load() (map[string]Entry, error) {
	if b == nil {
		return nil, errors.New("file cache backend is nil")
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "file cache backend: read")
	}
	out := map[string]Entry{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "file cache backend: decode")
	}
	return out, nil
}

func (b *FileBackend) Save(entries map[string]Entry) error {
	if b == nil {
		return errors.New("file cache backend is nil")
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "file cache backend: encode")
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return errors.Wrap(err, "file cache backend: mkdir")
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		return errors.Wrap(err, "file cache backend: write")
	}
	return nil
}

func (b *FileBackend) Clear() error {
	if b == nil {
		return errors.New("file cache backend is nil")
	}
	err := os.Remove(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "file cache backend: remove")
}

// RedisBackend persists the cache as a single JSON blob under one key, for
// deployments that embed the client in a long-lived service.
type RedisBackend struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

var _ Backend = &RedisBackend{}

func NewRedisBackend(client redis.UniversalClient, key string) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis cache backend: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("redis cache backend: empty key")
	}
	return &RedisBackend{
		client:  client,
		key:     key,
		timeout: 2 * time.Second,
	}, nil
}

func (b *RedisBackend) Load() (map[string]Entry, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("redis cache backend is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis cache backend: get")
	}
	out := map[string]Entry{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "redis cache backend: decode")
	}
	return out, nil
}

func (b *RedisBackend) Save(entries map[string]Entry) error {
	if b == nil || b.client == nil {
		return errors.New("redis cache backend is nil")
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "redis cache backend: encode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return errors.Wrap(b.client.Set(ctx, b.key, data, 0).Err(), "redis cache backend: set")
}

func (b *RedisBackend) Clear() error {
	if b == nil || b.client == nil {
		return errors.New("redis cache backend is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return errors.Wrap(b.client.Del(ctx, b.key).Err(), "redis cache backend: del")
}
