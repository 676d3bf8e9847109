package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"computeruse/internal/apperr"

	"github.com/redis/go-redis/v9"
)

type gateHarness struct {
	gate  *Gate
	creds *MemoryCredentialStore
	now   time.Time
	mu    sync.Mutex
}

func (h *gateHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *gateHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newGateHarness(t *testing.T, quotas QuotaStore) *gateHarness {
	t.Helper()
	h := &gateHarness{
		creds: NewMemoryCredentialStore(),
		now:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.creds.Add("basic-key", "alice", "basic")
	h.creds.Add("premium-key", "bob", "premium")
	h.creds.Add("odd-tier-key", "carol", "platinum")
	tiers := map[string]TierLimits{
		"basic":   {RequestsPerWindow: 3, Window: time.Minute, MaxSessions: 2},
		"premium": {RequestsPerWindow: 100, Window: time.Minute, MaxSessions: 10},
	}
	h.gate = NewGate(h.creds, quotas, tiers, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(h.clock))
	return h
}

func TestAdmitInvalidKey(t *testing.T) {
	h := newGateHarness(t, NewMemoryQuotaStore())
	ctx := context.Background()

	for _, key := range []string{"", "nope"} {
		_, err := h.gate.Admit(ctx, key, OpRequest)
		var rej *RejectError
		if !errors.As(err, &rej) || rej.Reason != ReasonInvalidKey {
			t.Fatalf("key %q: expected invalid_key rejection, got %v", key, err)
		}
		if !errors.Is(err, ErrInvalidKey) {
			t.Error("rejection should unwrap to ErrInvalidKey")
		}
	}

	h.creds.Deactivate("basic-key")
	if _, err := h.gate.Admit(ctx, "basic-key", OpRequest); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("inactive key should be rejected, got %v", err)
	}
}

func TestAdmitRateLimitSlidingWindow(t *testing.T) {
	h := newGateHarness(t, NewMemoryQuotaStore())
	ctx := context.Background()

	for i := range 3 {
		ac, err := h.gate.Admit(ctx, "basic-key", OpRequest)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if ac.OwnerID != "alice" || ac.Tier != "basic" {
			t.Fatalf("unexpected auth context %+v", ac)
		}
		h.advance(10 * time.Second)
	}

	_, err := h.gate.Admit(ctx, "basic-key", OpRequest)
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if !errors.Is(err, apperr.ErrQuota) {
		t.Error("rate limit should unwrap to ErrQuota")
	}
	// 第一个请求在 12:00:00，窗口 1 分钟
	wantReset := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	if !rej.ResetAt.Equal(wantReset) {
		t.Errorf("reset at %v, want %v", rej.ResetAt, wantReset)
	}

	// 第一个请求滑出窗口后恢复一个名额
	h.advance(31 * time.Second)
	if _, err := h.gate.Admit(ctx, "basic-key", OpRequest); err != nil {
		t.Fatalf("expected admission after window slides: %v", err)
	}
	if _, err := h.gate.Admit(ctx, "basic-key", OpRequest); err == nil {
		t.Fatal("window should be full again")
	}

	// 其他 owner 不受影响
	if _, err := h.gate.Admit(ctx, "premium-key", OpRequest); err != nil {
		t.Fatalf("premium owner rejected: %v", err)
	}
}

func TestUnknownTierFallsBackToBasic(t *testing.T) {
	h := newGateHarness(t, NewMemoryQuotaStore())
	ac, err := h.gate.Admit(context.Background(), "odd-tier-key", OpRequest)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Tier != "basic" || ac.Limits.MaxSessions != 2 {
		t.Errorf("expected basic limits, got %+v", ac)
	}
}

func TestReserveSessionCapUnderConcurrency(t *testing.T) {
	h := newGateHarness(t, NewMemoryQuotaStore())
	ctx := context.Background()
	ac, err := h.gate.Admit(ctx, "premium-key", OpCreateSession)
	if err != nil {
		t.Fatal(err)
	}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.gate.ReserveSession(ctx, *ac) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 10 {
		t.Fatalf("expected exactly 10 reservations, got %d", granted.Load())
	}

	err = h.gate.ReserveSession(ctx, *ac)
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonSessionLimit || rej.Current != 10 || rej.Limit != 10 {
		t.Fatalf("expected session_limit_reached 10/10, got %v", err)
	}

	if err := h.gate.ReleaseSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := h.gate.ReserveSession(ctx, *ac); err != nil {
		t.Fatalf("release should free a slot: %v", err)
	}

	q, err := h.gate.Quota(ctx, *ac)
	if err != nil {
		t.Fatal(err)
	}
	if q.ActiveSessions != 10 || q.RequestsInWindow != 1 {
		t.Errorf("unexpected quota record %+v", q)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	s := NewMemoryQuotaStore()
	ctx := context.Background()
	s.ReleaseSession(ctx, "x")
	s.ReleaseSession(ctx, "x")
	if ok, cur, _ := s.ReserveSession(ctx, "x", 1); !ok || cur != 1 {
		t.Fatalf("expected first reservation to succeed, got %v %d", ok, cur)
	}
}

func TestParseStaticKeys(t *testing.T) {
	s, err := ParseStaticKeys("k1:alice:basic, k2:bob:premium")
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Lookup(context.Background(), "k2")
	if err != nil || c.OwnerID != "bob" || c.Tier != "premium" {
		t.Fatalf("unexpected credential %+v %v", c, err)
	}
	if c.KeyHash == "k2" {
		t.Error("key must be stored hashed")
	}

	if _, err := ParseStaticKeys("broken"); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  xyz": "xyz",
		"raw-key":     "raw-key",
		"":            "",
	}
	for in, want := range cases {
		if got := ParseBearer(in); got != want {
			t.Errorf("ParseBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateKey()
	if a == b || len(a) < 40 {
		t.Errorf("unexpected keys %q %q", a, b)
	}
}

func TestRedisQuotaStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
	}

	owner := "quota-test-" + time.Now().Format("150405.000000")
	defer client.Del(ctx, requestsKey(owner), sessionsKey(owner))

	s := NewRedisQuotaStore(client)
	now := time.Now()
	for i := range 2 {
		ok, n, _, err := s.HitRequest(ctx, owner, 2, time.Minute, now.Add(time.Duration(i)*time.Millisecond))
		if err != nil || !ok || n != i+1 {
			t.Fatalf("hit %d: ok=%v n=%d err=%v", i, ok, n, err)
		}
	}
	ok, _, resetAt, err := s.HitRequest(ctx, owner, 2, time.Minute, now.Add(5*time.Millisecond))
	if err != nil || ok {
		t.Fatalf("expected rejection, ok=%v err=%v", ok, err)
	}
	if resetAt.Before(now) {
		t.Errorf("unexpected reset time %v", resetAt)
	}

	if ok, _, _ := s.ReserveSession(ctx, owner, 1); !ok {
		t.Fatal("first reservation rejected")
	}
	if ok, cur, _ := s.ReserveSession(ctx, owner, 1); ok || cur != 1 {
		t.Fatalf("second reservation should be rejected at 1, got ok=%v cur=%d", ok, cur)
	}
	if err := s.ReleaseSession(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseSession(ctx, owner); err != nil {
		t.Fatal(err)
	}
	reqs, sessions, err := s.Usage(ctx, owner, time.Minute, now.Add(10*time.Millisecond))
	if err != nil || reqs != 2 || sessions != 0 {
		t.Fatalf("usage = %d/%d, %v", reqs, sessions, err)
	}
}
