package session

import (
	"context"
	"log/slog"
	"time"

	"computeruse/internal/compute"
	"computeruse/internal/monitor"
)

// Sweeper 定期回收超时、空闲或单元已丢失的 session
type Sweeper struct {
	mgr      *SessionManager
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

func NewSweeper(mgr *SessionManager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		mgr:      mgr,
		interval: interval,
		logger:   logger.With("component", "session-sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动清理循环（阻塞，应在 goroutine 中调用）
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Session sweeper started", "interval", s.interval)

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.mgr.Sweep(ctx)
			cancel()
		}
	}
}

// Stop 停止清理循环
func (s *Sweeper) Stop() {
	select {
	case <-s.stopCh:
		// 已经关闭
	default:
		close(s.stopCh)
	}
}

type sweepCandidate struct {
	id         string
	state      State
	handle     compute.Handle
	createdAt  time.Time
	lastActive time.Time
	updatedAt  time.Time
	conns      int
}

// Sweep 执行一轮回收，返回本轮处理的 session 数
func (m *SessionManager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.RLock()
	candidates := make([]sweepCandidate, 0, len(m.sessions))
	for id, e := range m.sessions {
		e.mu.Lock()
		candidates = append(candidates, sweepCandidate{
			id:         id,
			state:      e.s.State,
			handle:     e.s.Handle,
			createdAt:  e.s.CreatedAt,
			lastActive: e.s.LastActivityAt,
			updatedAt:  e.s.UpdatedAt,
			conns:      e.s.ConnectionCount,
		})
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	reclaimed := 0
	for _, c := range candidates {
		switch c.state {
		case StateStarting:
			if now.Sub(c.createdAt) > m.cfg.StartingTimeout && m.fail(c.id, StateStarting, ReasonStartingTimeout) {
				m.reclaimed(c.id, ReasonStartingTimeout)
				reclaimed++
			}

		case StateRunning:
			switch {
			case m.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > m.cfg.MaxLifetime:
				if m.terminate(c.id, ReasonMaxLifetime) == nil {
					m.reclaimed(c.id, ReasonMaxLifetime)
					reclaimed++
				}
			case c.conns == 0 && now.Sub(c.lastActive) > m.cfg.IdleTimeout:
				if m.terminate(c.id, ReasonIdle) == nil {
					m.reclaimed(c.id, ReasonIdle)
					reclaimed++
				}
			default:
				if m.unitLost(ctx, c.handle) && m.fail(c.id, StateRunning, ReasonUnitLost) {
					m.reclaimed(c.id, ReasonUnitLost)
					reclaimed++
				}
			}

		case StateTerminated, StateFailed:
			if now.Sub(c.updatedAt) > m.cfg.Retention {
				if e := m.lookup(c.id); e != nil {
					m.prune(e)
				}
				monitor.SessionStateCount.WithLabelValues(string(c.state)).Dec()
			}
		}
	}
	return reclaimed
}

func (m *SessionManager) unitLost(ctx context.Context, h compute.Handle) bool {
	if h.IsZero() {
		return false
	}
	status, err := m.provider.Describe(ctx, h)
	if err != nil {
		// 查询失败不足以判定单元丢失
		m.logger.Warn("Failed to describe compute unit", "unit_id", h.ID, "error", err)
		return false
	}
	return status != compute.StatusRunning
}

func (m *SessionManager) reclaimed(id, reason string) {
	monitor.SessionReclaimed.WithLabelValues(reason).Inc()
	m.logger.Warn("Session reclaimed", "session_id", id, "reason", reason)
}

// Recover 处理上一个进程遗留的非终态 session：停止其单元并标记为 FAILED
func (m *SessionManager) Recover(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	stale, err := m.repo.ListByStates(ctx, []State{StateStarting, StateRunning, StateStopping})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	m.logger.Info("Recovering sessions from previous run", "count", len(stale))
	for _, s := range stale {
		if m.lookup(s.ID) != nil {
			continue
		}
		if !s.Handle.IsZero() {
			m.stopUnit(s.ID, s.Handle)
		}
		if s.State == StateStarting || s.State == StateRunning {
			if err := m.quota.ReleaseSession(ctx, s.OwnerID); err != nil {
				m.logger.Error("Failed to release quota for recovered session", "session_id", s.ID, "error", err)
			}
		}
		s.State = StateFailed
		s.Reason = ReasonRestart
		s.UpdatedAt = m.now()
		s.ConnectionCount = 0
		if err := m.repo.Save(ctx, s); err != nil {
			m.logger.Error("Failed to mark recovered session failed", "session_id", s.ID, "error", err)
		}
		monitor.SessionReclaimed.WithLabelValues(ReasonRestart).Inc()
	}
	return len(stale), nil
}
