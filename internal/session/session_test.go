package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/auth"
	"computeruse/internal/compute"
	"computeruse/internal/eventbus"
	"computeruse/internal/resilience"
	"computeruse/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryRepo 是 session.Repository 的内存实现
type memoryRepo struct {
	mu   sync.Mutex
	rows map[string]session.Session
}

func newMemoryRepo() *memoryRepo { return &memoryRepo{rows: make(map[string]session.Session)} }

func (r *memoryRepo) Save(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	r.rows[s.ID] = *s
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return &s, nil
}

func (r *memoryRepo) ListByOwner(ctx context.Context, owner string, limit int) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, s := range r.rows {
		if s.OwnerID == owner {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListByStates(ctx context.Context, states []session.State) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, s := range r.rows {
		if slices.Contains(states, s.State) {
			out = append(out, &s)
		}
	}
	return out, nil
}

type recordingQueue struct {
	mu      sync.Mutex
	handles []compute.Handle
}

func (q *recordingQueue) EnqueueStop(ctx context.Context, sessionID string, h compute.Handle) error {
	q.mu.Lock()
	q.handles = append(q.handles, h)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handles)
}

type managerHarness struct {
	t        *testing.T
	mgr      *session.SessionManager
	provider *compute.SimulatedProvider
	gate     *auth.Gate
	repo     *memoryRepo
	queue    *recordingQueue
	clock    *fakeClock
	alice    auth.AuthContext

	mu      sync.Mutex
	changes []session.StateChange
}

func newManagerHarness(t *testing.T, providerDelay time.Duration) *managerHarness {
	t.Helper()
	return newManagerHarnessWithRepo(t, providerDelay, true)
}

// withRepo 为 false 时 manager 只有内存表
func newManagerHarnessWithRepo(t *testing.T, providerDelay time.Duration, withRepo bool) *managerHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &managerHarness{
		t:        t,
		provider: compute.NewSimulatedProvider(providerDelay, logger),
		repo:     newMemoryRepo(),
		queue:    &recordingQueue{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	creds := auth.NewMemoryCredentialStore()
	creds.Add("alice-key", "alice", "basic")
	tiers := map[string]auth.TierLimits{
		"basic": {RequestsPerWindow: 1000, Window: time.Hour, MaxSessions: 2},
	}
	h.gate = auth.NewGate(creds, auth.NewMemoryQuotaStore(), tiers, logger)
	ac, err := h.gate.Admit(context.Background(), "alice-key", auth.OpCreateSession)
	if err != nil {
		t.Fatal(err)
	}
	h.alice = *ac

	exec := resilience.NewExecutor("compute", resilience.Policy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 3,
	}, nil, logger,
		resilience.WithExhaustedError(apperr.ErrProvisioningFailed),
		resilience.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)

	opts := []session.Option{
		session.WithStopQueue(h.queue),
		session.WithClock(h.clock.Now),
	}
	if withRepo {
		opts = append(opts, session.WithRepository(h.repo))
	}
	h.mgr = session.NewSessionManager(h.provider, exec, h.gate, session.Config{
		StartingTimeout: time.Minute,
		IdleTimeout:     10 * time.Minute,
		MaxLifetime:     time.Hour,
		StopTimeout:     5 * time.Second,
		Retention:       time.Hour,
	}, logger, opts...)
	h.mgr.Subscribe(func(c session.StateChange) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *managerHarness) waitState(id string, want session.State) *session.Session {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.mgr.GetSession(context.Background(), id)
		if err != nil {
			h.t.Fatalf("GetSession(%s): %v", id, err)
		}
		if s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := h.mgr.GetSession(context.Background(), id)
	h.t.Fatalf("session %s: state %s, want %s", id, s.State, want)
	return nil
}

func (h *managerHarness) transitions(id string) []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.State
	for _, c := range h.changes {
		if c.Session.ID == id {
			out = append(out, c.To)
		}
	}
	return out
}

func (h *managerHarness) activeSessions() int {
	q, err := h.gate.Quota(context.Background(), h.alice)
	if err != nil {
		h.t.Fatal(err)
	}
	return q.ActiveSessions
}

func TestSessionLifecycle(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	s, err := h.mgr.CreateSession(ctx, h.alice)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.State != session.StateStarting || s.OwnerID != "alice" {
		t.Fatalf("unexpected initial session %+v", s)
	}

	running := h.waitState(s.ID, session.StateRunning)
	if running.Handle.IsZero() {
		t.Fatal("running session should carry a compute handle")
	}

	attached, err := h.mgr.AttachConnection(ctx, s.ID)
	if err != nil || attached.ConnectionCount != 1 {
		t.Fatalf("AttachConnection: %+v %v", attached, err)
	}
	h.mgr.DetachConnection(ctx, s.ID)
	h.mgr.DetachConnection(ctx, s.ID)
	if got, _ := h.mgr.GetSession(ctx, s.ID); got.ConnectionCount != 0 || got.State != session.StateRunning {
		t.Fatalf("detach should floor at zero and keep session running: %+v", got)
	}

	if err := h.mgr.TerminateSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	// 幂等
	if err := h.mgr.TerminateSession(ctx, s.ID); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	h.waitState(s.ID, session.StateTerminated)

	if h.provider.Live() != 0 {
		t.Errorf("compute unit leaked")
	}
	if n := h.activeSessions(); n != 0 {
		t.Errorf("quota not released, active=%d", n)
	}
	want := []session.State{session.StateStarting, session.StateRunning, session.StateStopping, session.StateTerminated}
	if got := h.transitions(s.ID); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	persisted, err := h.repo.GetByID(ctx, s.ID)
	if err != nil || persisted.State != session.StateTerminated {
		t.Errorf("persisted record %+v %v", persisted, err)
	}

	if _, err := h.mgr.AttachConnection(ctx, s.ID); !errors.Is(err, apperr.ErrInternalState) {
		t.Errorf("attach to terminated session: %v", err)
	}
}

func TestTransientStartFailuresAreRetried(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.provider.FailStarts(2)

	s, err := h.mgr.CreateSession(context.Background(), h.alice)
	if err != nil {
		t.Fatal(err)
	}
	h.waitState(s.ID, session.StateRunning)
	if h.provider.Starts() != 3 {
		t.Errorf("expected 3 start attempts, got %d", h.provider.Starts())
	}
}

func TestProvisioningFailure(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.provider.FailStarts(10)

	s, err := h.mgr.CreateSession(context.Background(), h.alice)
	if err != nil {
		t.Fatal(err)
	}
	failed := h.waitState(s.ID, session.StateFailed)
	if failed.Reason != "provisioning_failed" {
		t.Errorf("reason = %q", failed.Reason)
	}
	if n := h.activeSessions(); n != 0 {
		t.Errorf("quota not released after failure, active=%d", n)
	}

	// 失败的 session 不可终止也不可连接
	if err := h.mgr.TerminateSession(context.Background(), s.ID); err != nil {
		t.Errorf("terminate on failed session should be a no-op: %v", err)
	}
	if got := h.transitions(s.ID); !slices.Equal(got, []session.State{session.StateStarting, session.StateFailed}) {
		t.Errorf("unexpected transitions %v", got)
	}
}

func TestSessionCapPerOwner(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	for range 2 {
		if _, err := h.mgr.CreateSession(ctx, h.alice); err != nil {
			t.Fatal(err)
		}
	}
	_, err := h.mgr.CreateSession(ctx, h.alice)
	if !errors.Is(err, apperr.ErrQuota) {
		t.Fatalf("expected quota error, got %v", err)
	}
	var rej *auth.RejectError
	if !errors.As(err, &rej) || rej.Reason != auth.ReasonSessionLimit {
		t.Fatalf("expected session_limit_reached, got %v", err)
	}

	list, _ := h.mgr.ListSessions(ctx, "alice")
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if err := h.mgr.TerminateSession(ctx, list[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.CreateSession(ctx, h.alice); err != nil {
		t.Fatalf("slot should be free after terminate: %v", err)
	}
}

func TestTerminateWhileStarting(t *testing.T) {
	h := newManagerHarness(t, 200*time.Millisecond)
	ctx := context.Background()

	s, err := h.mgr.CreateSession(ctx, h.alice)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.AttachConnection(ctx, s.ID); !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("attach while starting should be not ready: %v", err)
	}
	if err := h.mgr.TerminateSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	h.waitState(s.ID, session.StateTerminated)
	if h.provider.Live() != 0 {
		t.Errorf("unit started during termination leaked")
	}
	if slices.Contains(h.transitions(s.ID), session.StateRunning) {
		t.Error("terminated session must never become RUNNING")
	}
}

func TestSweepIdleAndLifetime(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	idle, _ := h.mgr.CreateSession(ctx, h.alice)
	busy, _ := h.mgr.CreateSession(ctx, h.alice)
	h.waitState(idle.ID, session.StateRunning)
	h.waitState(busy.ID, session.StateRunning)
	if _, err := h.mgr.AttachConnection(ctx, busy.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(11 * time.Minute)
	if n := h.mgr.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 reclaimed session, got %d", n)
	}
	s := h.waitState(idle.ID, session.StateTerminated)
	if s.Reason != session.ReasonIdle {
		t.Errorf("reason = %q", s.Reason)
	}
	if got, _ := h.mgr.GetSession(ctx, busy.ID); got.State != session.StateRunning {
		t.Fatalf("attached session should survive idle sweep: %s", got.State)
	}

	h.clock.Advance(time.Hour)
	h.mgr.Sweep(ctx)
	s = h.waitState(busy.ID, session.StateTerminated)
	if s.Reason != session.ReasonMaxLifetime {
		t.Errorf("reason = %q", s.Reason)
	}
}

func TestSweepUnitLost(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	running := h.waitState(s.ID, session.StateRunning)
	h.provider.Kill(running.Handle.ID)

	h.mgr.Sweep(ctx)
	failed := h.waitState(s.ID, session.StateFailed)
	if failed.Reason != session.ReasonUnitLost {
		t.Errorf("reason = %q", failed.Reason)
	}
	if n := h.activeSessions(); n != 0 {
		t.Errorf("quota not released, active=%d", n)
	}
}

func TestSweepStartingTimeout(t *testing.T) {
	h := newManagerHarness(t, 10*time.Second)
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	h.clock.Advance(2 * time.Minute)
	h.mgr.Sweep(ctx)

	failed := h.waitState(s.ID, session.StateFailed)
	if failed.Reason != session.ReasonStartingTimeout {
		t.Errorf("reason = %q", failed.Reason)
	}
}

func TestSweepPrunesTerminalSessions(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	h.waitState(s.ID, session.StateRunning)
	h.mgr.TerminateSession(ctx, s.ID)
	h.waitState(s.ID, session.StateTerminated)

	h.clock.Advance(2 * time.Hour)
	h.mgr.Sweep(ctx)
	if ids := h.mgr.ActiveSessionIDs(); len(ids) != 0 {
		t.Fatalf("unexpected active sessions %v", ids)
	}
	// 内存表已清理，仍可从仓库读到历史记录
	got, err := h.mgr.GetSession(ctx, s.ID)
	if err != nil || got.State != session.StateTerminated {
		t.Fatalf("expected history from repository, got %+v %v", got, err)
	}
}

func TestPrunedSessionsRemainKnownWithoutRepository(t *testing.T) {
	h := newManagerHarnessWithRepo(t, 0, false)
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	h.waitState(s.ID, session.StateRunning)
	if err := h.mgr.TerminateSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	h.waitState(s.ID, session.StateTerminated)

	h.clock.Advance(2 * time.Hour)
	h.mgr.Sweep(ctx)

	// 清理后重复删除仍然成功
	if err := h.mgr.TerminateSession(ctx, s.ID); err != nil {
		t.Fatalf("TerminateSession after pruning: %v", err)
	}
	got, err := h.mgr.GetSession(ctx, s.ID)
	if err != nil || got.State != session.StateTerminated || got.OwnerID != "alice" {
		t.Fatalf("GetSession after pruning: %+v %v", got, err)
	}
	if !got.Handle.IsZero() {
		t.Errorf("pruned session should not expose a compute handle: %+v", got.Handle)
	}
	list, err := h.mgr.ListSessions(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("ListSessions after pruning: %v %v", list, err)
	}
	if err := h.mgr.TerminateSession(ctx, "never-existed"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown id: %v", err)
	}
}

func TestStopFailureIsQueued(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	h.waitState(s.ID, session.StateRunning)
	h.provider.FailStops(10)

	h.mgr.TerminateSession(ctx, s.ID)
	h.waitState(s.ID, session.StateTerminated)
	if h.queue.Len() != 1 {
		t.Fatalf("expected failed stop to be queued, got %d", h.queue.Len())
	}
}

func TestRecoverMarksPreviousSessionsFailed(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()

	// 模拟上一个进程遗留的记录
	unit, _ := h.provider.Start(ctx, compute.StartRequest{SessionID: "old-1", OwnerID: "alice"})
	h.gate.ReserveSession(ctx, h.alice)
	h.repo.Save(ctx, &session.Session{ID: "old-1", OwnerID: "alice", State: session.StateRunning, Handle: unit})
	h.repo.Save(ctx, &session.Session{ID: "old-2", OwnerID: "alice", State: session.StateTerminated})

	n, err := h.mgr.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, _ := h.repo.GetByID(ctx, "old-1")
	if got.State != session.StateFailed || got.Reason != session.ReasonRestart {
		t.Errorf("recovered session %+v", got)
	}
	if h.provider.Live() != 0 {
		t.Error("orphaned unit should be stopped")
	}
	if n := h.activeSessions(); n != 0 {
		t.Errorf("quota not released, active=%d", n)
	}
}

func TestUnknownSession(t *testing.T) {
	h := newManagerHarness(t, 0)
	ctx := context.Background()
	if _, err := h.mgr.GetSession(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetSession: %v", err)
	}
	if err := h.mgr.TerminateSession(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("TerminateSession: %v", err)
	}
	if _, err := h.mgr.AttachConnection(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("AttachConnection: %v", err)
	}
}

func TestEventPublisher(t *testing.T) {
	h := newManagerHarness(t, 0)
	bus := eventbus.NewMemoryBus()
	pub := session.NewEventPublisher(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.mgr.Subscribe(pub.Listener())
	ctx := context.Background()

	s, _ := h.mgr.CreateSession(ctx, h.alice)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, _ := bus.Subscribe(subCtx, s.ID)

	h.waitState(s.ID, session.StateRunning)
	h.mgr.TerminateSession(ctx, s.ID)
	h.waitState(s.ID, session.StateTerminated)

	var got []eventbus.EventType
	timeout := time.After(2 * time.Second)
	for len(got) == 0 || got[len(got)-1] != eventbus.EventSessionClosed {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("did not receive closed event, got %v", got)
		}
	}
	if !slices.Contains(got, eventbus.EventSessionStopping) {
		t.Errorf("missing stopping event in %v", got)
	}
}

func TestEventPublisherDropsEventsAfterClose(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	pub := session.NewEventPublisher(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	listener := pub.Listener()
	pub.Close()

	// 关闭后迟到的状态变更不能导致 panic
	listener(session.StateChange{
		Session: session.Session{ID: "late"},
		From:    session.StateStopping,
		To:      session.StateTerminated,
		At:      time.Now(),
	})
	pub.Close()
}
