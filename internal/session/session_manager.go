package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/auth"
	"computeruse/internal/compute"
	"computeruse/internal/monitor"
	"computeruse/internal/resilience"

	"github.com/google/uuid"
)

type Config struct {
	StartingTimeout time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration // 0 表示不限制
	StopTimeout     time.Duration
	AttemptTimeout  time.Duration // 单次 Start 尝试的超时，0 表示只受 StartingTimeout 约束
	Retention       time.Duration // 终态 session 在内存表中保留的时长
}

type entry struct {
	mu sync.Mutex
	s  Session

	cancelStart   context.CancelFunc
	provisionDone chan struct{}
}

// SessionManager 管理 session 生命周期。内存表是权威状态，
// 每个 session 的状态迁移在其自身的锁内以 CAS 方式完成。
type SessionManager struct {
	provider  compute.Provider
	exec      *resilience.Executor
	quota     Quota
	repo      Repository
	stopQueue StopQueue
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry

	// 已从内存表清理的终态 session，只保留查询所需的字段，
	// 没有仓库时删除和查询仍然能识别曾经存在的 id
	tombstones map[string]Session

	listenersMu sync.RWMutex
	listeners   []Listener

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*SessionManager)

func WithRepository(repo Repository) Option {
	return func(m *SessionManager) { m.repo = repo }
}

func WithStopQueue(q StopQueue) Option {
	return func(m *SessionManager) { m.stopQueue = q }
}

func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) { m.now = now }
}

func NewSessionManager(provider compute.Provider, exec *resilience.Executor, quota Quota, cfg Config, logger *slog.Logger, opts ...Option) *SessionManager {
	if cfg.StartingTimeout <= 0 {
		cfg.StartingTimeout = 3 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		provider:   provider,
		exec:       exec,
		quota:      quota,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With("component", "session-manager"),
		sessions:   make(map[string]*entry),
		tombstones: make(map[string]Session),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe 注册状态变更监听器
func (m *SessionManager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// CreateSession 占用配额并立即返回 STARTING 状态的 session，计算单元在后台启动
func (m *SessionManager) CreateSession(ctx context.Context, ac auth.AuthContext) (*Session, error) {
	if ac.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id required", apperr.ErrValidation)
	}
	if err := m.quota.ReserveSession(ctx, ac); err != nil {
		return nil, err
	}

	now := m.now()
	startCtx, cancel := context.WithTimeout(m.baseCtx, m.cfg.StartingTimeout)
	e := &entry{
		s: Session{
			ID:             uuid.New().String(),
			OwnerID:        ac.OwnerID,
			State:          StateStarting,
			CreatedAt:      now,
			LastActivityAt: now,
			UpdatedAt:      now,
		},
		cancelStart:   cancel,
		provisionDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[e.s.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.persistLocked(e)
	snapshot := e.s
	e.mu.Unlock()

	monitor.SessionStateCount.WithLabelValues(string(StateStarting)).Inc()
	m.notify(StateChange{Session: snapshot, To: StateStarting, At: now})
	m.logger.Info("Session created", "session_id", snapshot.ID, "owner_id", ac.OwnerID, "tier", ac.Tier)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.provision(startCtx, e)
	}()

	return &snapshot, nil
}

func (m *SessionManager) provision(ctx context.Context, e *entry) {
	e.mu.Lock()
	req := compute.StartRequest{SessionID: e.s.ID, OwnerID: e.s.OwnerID}
	e.mu.Unlock()

	started := m.now()
	h, err := resilience.Call(ctx, m.exec, func(ctx context.Context) (compute.Handle, error) {
		if m.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.AttemptTimeout)
			defer cancel()
		}
		return m.provider.Start(ctx, req)
	})

	var change *StateChange
	lateUnit := false

	e.mu.Lock()
	switch e.s.State {
	case StateStarting:
		if err == nil {
			change = m.applyLocked(e, StateRunning, "", func(s *Session) {
				s.Handle = h
				s.LastActivityAt = m.now()
			})
			monitor.SessionProvisionLatency.Observe(m.now().Sub(started).Seconds())
		} else {
			change = m.applyLocked(e, StateFailed, failureReason(ctx, err), nil)
			monitor.SessionProvisionFailures.Inc()
		}
	case StateStopping:
		// 启动期间被终止：交给停止流程回收该单元
		if err == nil {
			e.s.Handle = h
		}
	default:
		lateUnit = err == nil
	}
	close(e.provisionDone)
	e.mu.Unlock()

	if err != nil {
		m.logger.Error("Provisioning failed", "session_id", req.SessionID, "error", err)
	}
	if change != nil {
		m.afterChange(*change)
	}
	if lateUnit {
		m.logger.Warn("Discarding late compute unit", "session_id", req.SessionID, "unit_id", h.ID)
		m.stopUnit(req.SessionID, h)
	}
}

func failureReason(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonStartingTimeout
	}
	if errors.Is(err, apperr.ErrCircuitOpen) {
		return apperr.Reason(err)
	}
	return apperr.Reason(fmt.Errorf("%w: %w", apperr.ErrProvisioningFailed, err))
}

// GetSession 先查内存表，再查仓库中的历史记录
func (m *SessionManager) GetSession(ctx context.Context, id string) (*Session, error) {
	if e := m.lookup(id); e != nil {
		e.mu.Lock()
		s := e.s
		e.mu.Unlock()
		return &s, nil
	}
	if m.repo != nil {
		s, err := m.repo.GetByID(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			m.logger.Warn("Repository lookup failed", "session_id", id, "error", err)
		}
	}
	if s, ok := m.tombstone(id); ok {
		return &s, nil
	}
	return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
}

// ListSessions 返回 owner 的 session，按创建时间倒序
func (m *SessionManager) ListSessions(ctx context.Context, ownerID string) ([]*Session, error) {
	seen := make(map[string]bool)
	var out []*Session

	m.mu.RLock()
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.s.OwnerID == ownerID {
			s := e.s
			out = append(out, &s)
			seen[s.ID] = true
		}
		e.mu.Unlock()
	}
	for _, s := range m.tombstones {
		if s.OwnerID == ownerID {
			out = append(out, &s)
			seen[s.ID] = true
		}
	}
	m.mu.RUnlock()

	if m.repo != nil {
		history, err := m.repo.ListByOwner(ctx, ownerID, 50)
		if err != nil {
			m.logger.Warn("Failed to list session history", "owner_id", ownerID, "error", err)
		}
		for _, s := range history {
			if !seen[s.ID] {
				out = append(out, s)
			}
		}
	}

	slices.SortFunc(out, func(a, b *Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// TerminateSession 幂等。立即迁移到 STOPPING 并归还配额，停止单元在后台完成。
func (m *SessionManager) TerminateSession(ctx context.Context, id string) error {
	return m.terminate(id, ReasonTerminated)
}

func (m *SessionManager) terminate(id, reason string) error {
	e := m.lookup(id)
	if e == nil {
		if _, ok := m.tombstone(id); ok {
			return nil
		}
		if m.repo != nil {
			if _, err := m.repo.GetByID(context.Background(), id); err == nil {
				// 历史 session 已由恢复流程处理
				return nil
			}
		}
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}

	e.mu.Lock()
	if e.s.State != StateStarting && e.s.State != StateRunning {
		e.mu.Unlock()
		return nil
	}
	change := m.applyLocked(e, StateStopping, reason, nil)
	cancelStart := e.cancelStart
	provisionDone := e.provisionDone
	e.mu.Unlock()

	m.afterChange(*change)
	m.logger.Info("Session stopping", "session_id", id, "reason", reason)

	if cancelStart != nil {
		cancelStart()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.finishStop(e, provisionDone)
	}()
	return nil
}

func (m *SessionManager) finishStop(e *entry, provisionDone chan struct{}) {
	if provisionDone != nil {
		<-provisionDone
	}

	e.mu.Lock()
	id, h := e.s.ID, e.s.Handle
	e.mu.Unlock()

	if !h.IsZero() {
		m.stopUnit(id, h)
	}

	e.mu.Lock()
	var change *StateChange
	if e.s.State == StateStopping {
		change = m.applyLocked(e, StateTerminated, "", nil)
	}
	e.mu.Unlock()
	if change != nil {
		m.afterChange(*change)
	}
}

// stopUnit 经重试层停止单元，失败时交给 StopQueue
func (m *SessionManager) stopUnit(sessionID string, h compute.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
	defer cancel()

	err := m.exec.Do(ctx, func(ctx context.Context) error {
		return m.provider.Stop(ctx, h)
	})
	if err == nil {
		return
	}

	m.logger.Error("Failed to stop compute unit", "session_id", sessionID, "unit_id", h.ID, "error", err)
	if m.stopQueue == nil {
		return
	}
	if qerr := m.stopQueue.EnqueueStop(ctx, sessionID, h); qerr != nil {
		m.logger.Error("Failed to enqueue compute stop", "session_id", sessionID, "error", qerr)
		return
	}
	monitor.ComputeStopRetries.Inc()
}

// fail 在 session 仍处于 from 状态时迁移到 FAILED
func (m *SessionManager) fail(id string, from State, reason string) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.s.State != from {
		e.mu.Unlock()
		return false
	}
	change := m.applyLocked(e, StateFailed, reason, nil)
	cancelStart := e.cancelStart
	h := e.s.Handle
	e.mu.Unlock()

	m.afterChange(*change)
	if cancelStart != nil {
		cancelStart()
	}
	if !h.IsZero() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.stopUnit(id, h)
		}()
	}
	return true
}

// AttachConnection 在 RUNNING session 上登记一个连接
func (m *SessionManager) AttachConnection(ctx context.Context, id string) (*Session, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.s.State {
	case StateRunning:
	case StateStarting:
		return nil, fmt.Errorf("session %s is starting: %w", id, apperr.ErrNotReady)
	default:
		return nil, fmt.Errorf("session %s is %s: %w", id, e.s.State, apperr.ErrInternalState)
	}
	e.s.ConnectionCount++
	e.s.LastActivityAt = m.now()
	s := e.s
	return &s, nil
}

// DetachConnection 注销连接。连接数归零不会停止 session。
func (m *SessionManager) DetachConnection(ctx context.Context, id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.s.ConnectionCount > 0 {
		e.s.ConnectionCount--
	}
	e.s.LastActivityAt = m.now()
	e.mu.Unlock()
}

// Touch 记录一次活动
func (m *SessionManager) Touch(id string) {
	if e := m.lookup(id); e != nil {
		e.mu.Lock()
		e.s.LastActivityAt = m.now()
		e.mu.Unlock()
	}
}

// ActiveSessionIDs 返回所有非终态 session
func (m *SessionManager) ActiveSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.sessions {
		e.mu.Lock()
		if !e.s.State.Terminal() {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Shutdown 终止所有活跃 session 并等待后台任务结束
func (m *SessionManager) Shutdown(ctx context.Context) error {
	ids := m.ActiveSessionIDs()
	if len(ids) > 0 {
		m.logger.Info("Terminating active sessions on shutdown", "count", len(ids))
	}
	for _, id := range ids {
		_ = m.terminate(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		m.logger.Info("Shutdown session cleanup completed")
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

func (m *SessionManager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *SessionManager) tombstone(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.tombstones[id]
	return s, ok
}

// prune 把终态 session 从内存表移到墓碑表
func (m *SessionManager) prune(e *entry) {
	e.mu.Lock()
	s := e.s
	e.mu.Unlock()
	s.Handle = compute.Handle{}
	s.ConnectionCount = 0

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.tombstones[s.ID] = s
	m.mu.Unlock()
}

// applyLocked 在持有 e.mu 时执行迁移，调用方释放锁后必须调用 afterChange
func (m *SessionManager) applyLocked(e *entry, to State, reason string, mutate func(*Session)) *StateChange {
	from := e.s.State
	if !canTransition(from, to) {
		// 调用方已检查当前状态，走到这里说明存在逻辑错误
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s", e.s.ID, from, to))
	}
	now := m.now()
	e.s.State = to
	e.s.UpdatedAt = now
	if reason != "" {
		e.s.Reason = reason
	}
	if mutate != nil {
		mutate(&e.s)
	}
	m.persistLocked(e)
	return &StateChange{Session: e.s, From: from, To: to, Reason: reason, At: now}
}

func (m *SessionManager) afterChange(c StateChange) {
	monitor.SessionTransitions.WithLabelValues(string(c.From), string(c.To)).Inc()
	monitor.SessionStateCount.WithLabelValues(string(c.From)).Dec()
	monitor.SessionStateCount.WithLabelValues(string(c.To)).Inc()

	// 离开 STARTING/RUNNING 时归还名额，每个 session 恰好一次
	if (c.From == StateStarting || c.From == StateRunning) && (c.To == StateStopping || c.To == StateFailed) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.quota.ReleaseSession(ctx, c.Session.OwnerID); err != nil {
			m.logger.Error("Failed to release session quota", "session_id", c.Session.ID, "owner_id", c.Session.OwnerID, "error", err)
		}
		cancel()
	}

	m.logger.Info("Session state changed",
		"session_id", c.Session.ID,
		"from", c.From,
		"to", c.To,
		"reason", c.Reason,
	)
	m.notify(c)
}

func (m *SessionManager) notify(c StateChange) {
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(c)
	}
}

func (m *SessionManager) persistLocked(e *entry) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s := e.s
	if err := m.repo.Save(ctx, &s); err != nil {
		m.logger.Error("Failed to persist session", "session_id", s.ID, "state", s.State, "error", err)
	}
}
