package auth

import (
	"context"
	"sync"
	"time"
)

var _ QuotaStore = (*MemoryQuotaStore)(nil)

type ownerQuota struct {
	mu       sync.Mutex
	requests []time.Time
	sessions int
}

// MemoryQuotaStore 进程内配额存储，请求窗口使用滑动日志
type MemoryQuotaStore struct {
	mu     sync.Mutex
	owners map[string]*ownerQuota
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{owners: make(map[string]*ownerQuota)}
}

func (s *MemoryQuotaStore) owner(id string) *ownerQuota {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.owners[id]
	if !ok {
		q = &ownerQuota{}
		s.owners[id] = q
	}
	return q
}

func (q *ownerQuota) pruneLocked(window time.Duration, now time.Time) {
	windowStart := now.Add(-window)
	i := 0
	for i < len(q.requests) && !q.requests[i].After(windowStart) {
		i++
	}
	if i > 0 {
		q.requests = append(q.requests[:0], q.requests[i:]...)
	}
}

func (s *MemoryQuotaStore) HitRequest(ctx context.Context, owner string, limit int, window time.Duration, now time.Time) (bool, int, time.Time, error) {
	q := s.owner(owner)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(window, now)
	if len(q.requests) >= limit {
		resetAt := now.Add(window)
		if len(q.requests) > 0 {
			resetAt = q.requests[0].Add(window)
		}
		return false, len(q.requests), resetAt, nil
	}
	q.requests = append(q.requests, now)
	return true, len(q.requests), time.Time{}, nil
}

func (s *MemoryQuotaStore) ReserveSession(ctx context.Context, owner string, limit int) (bool, int, error) {
	q := s.owner(owner)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sessions >= limit {
		return false, q.sessions, nil
	}
	q.sessions++
	return true, q.sessions, nil
}

func (s *MemoryQuotaStore) ReleaseSession(ctx context.Context, owner string) error {
	q := s.owner(owner)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sessions > 0 {
		q.sessions--
	}
	return nil
}

func (s *MemoryQuotaStore) Usage(ctx context.Context, owner string, window time.Duration, now time.Time) (int, int, error) {
	q := s.owner(owner)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(window, now)
	return len(q.requests), q.sessions, nil
}
