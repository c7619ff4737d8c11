package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrVersionMismatch = errors.New("worker API version mismatch")

// VersionMismatchError reports a worker whose registered API version moved
// away from the one this process last observed.
type VersionMismatchError struct {
	WorkerID string
	Observed string
	Current  string
	Err      error
}

func (e *VersionMismatchError) Error() string {
	msg := fmt.Sprintf("worker %s API version changed from %q to %q", e.WorkerID, e.Observed, e.Current)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

func (e *VersionMismatchError) Unwrap() error { return e.Err }

// VersionStore is the shared record of each worker's registered API version.
type VersionStore interface {
	// Get returns "" when the worker has no record.
	Get(ctx context.Context, workerID string) (string, error)
	Set(ctx context.Context, workerID, version string) error
}

type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[string]string
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]string)}
}

func (s *MemoryVersionStore) Get(_ context.Context, workerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[workerID], nil
}

func (s *MemoryVersionStore) Set(_ context.Context, workerID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[workerID] = version
	return nil
}

// RedisVersionStore keeps versions under "agent_version:{worker}".
type RedisVersionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisVersionStore(client *redis.Client, keyPrefix string) *RedisVersionStore {
	return &RedisVersionStore{client: client, prefix: keyPrefix}
}

func (s *RedisVersionStore) key(workerID string) string {
	return s.prefix + "agent_version:" + workerID
}

func (s *RedisVersionStore) Get(ctx context.Context, workerID string) (string, error) {
	v, err := s.client.Get(ctx, s.key(workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get version of %s: %w", workerID, err)
	}
	return v, nil
}

func (s *RedisVersionStore) Set(ctx context.Context, workerID, version string) error {
	if err := s.client.Set(ctx, s.key(workerID), version, 0).Err(); err != nil {
		return fmt.Errorf("set version of %s: %w", workerID, err)
	}
	return nil
}
