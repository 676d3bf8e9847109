package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)

const keyPrefix = "inference:cache:"

func cacheKey(fingerprint string) string {
	return keyPrefix + fingerprint
}

// RedisStore 持久层，条目以 JSON 存储并由 Redis 负责过期
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	val, err := s.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cacheKey(entry.Fingerprint), b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, cacheKey(fingerprint)).Err()
}

// MemoryStore 进程内持久层实现，过期由 Cache 依据 ExpiresAt 判断
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	err     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// SetError 让后续所有操作返回 err，用于模拟持久层故障
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries[entry.Fingerprint] = entry
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.entries, fingerprint)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
