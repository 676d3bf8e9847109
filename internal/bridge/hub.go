// Package bridge 把客户端的双工流连接桥接到 session 的远程桌面：
// 向外推送截屏，向内转发输入 intent，自然语言目标经推理缓存解析成具体动作。
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"computeruse/internal/apperr"
	"computeruse/internal/session"

	"github.com/gorilla/websocket"
)

// Sessions 是 Hub 需要的 session 管理能力
type Sessions interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	DetachConnection(ctx context.Context, id string)
	Touch(id string)
}

// Hub 为每个 RUNNING session 维护一个 Bridge，首次连接时创建，session 离开 RUNNING 时关闭
type Hub struct {
	sessions  Sessions
	factory   DesktopFactory
	resolver  *Resolver
	artifacts *ArtifactStore
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
	closed  bool
}

type HubOption func(*Hub)

// WithResolver 启用 goal intent
func WithResolver(r *Resolver) HubOption {
	return func(h *Hub) { h.resolver = r }
}

// WithArtifacts 启用截屏与动作日志落盘
func WithArtifacts(a *ArtifactStore) HubOption {
	return func(h *Hub) { h.artifacts = a }
}

func NewHub(sessions Sessions, factory DesktopFactory, cfg Config, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		sessions: sessions,
		factory:  factory,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "desktop-bridge"),
		bridges:  make(map[string]*Bridge),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnStateChange 作为 session 监听器注册
func (h *Hub) OnStateChange(c session.StateChange) {
	if c.From != session.StateRunning {
		return
	}
	switch c.To {
	case session.StateStopping:
		h.closeBridge(c.Session.ID, CloseSessionTerminated, ReasonSessionTerminated)
	case session.StateFailed:
		h.closeBridge(c.Session.ID, CloseSessionFailed, ReasonSessionFailed)
	}
}

func (h *Hub) closeBridge(sessionID string, code int, reason string) {
	h.mu.Lock()
	b := h.bridges[sessionID]
	h.mu.Unlock()
	if b != nil {
		b.shutdown(code, reason)
	}
}

func (h *Hub) bridgeFor(ctx context.Context, s *session.Session) (*Bridge, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("bridge hub is shut down: %w", apperr.ErrInternalState)
	}
	if b, ok := h.bridges[s.ID]; ok {
		return b, nil
	}

	desktop, err := h.factory.Open(ctx, s.Handle)
	if err != nil {
		return nil, err
	}
	var artifacts *SessionArtifacts
	if h.artifacts != nil {
		if artifacts, err = h.artifacts.Open(s.ID); err != nil {
			h.logger.Warn("Failed to open session artifacts", "session_id", s.ID, "error", err)
		}
	}

	var b *Bridge
	b = newBridge(s.ID, desktop, h.resolver, artifacts, h.sessions, h.cfg, h.logger, func() {
		h.mu.Lock()
		if h.bridges[s.ID] == b {
			delete(h.bridges, s.ID)
		}
		h.mu.Unlock()
		if artifacts != nil {
			if err := artifacts.Close(); err != nil {
				h.logger.Warn("Failed to close session artifacts", "session_id", s.ID, "error", err)
			}
		}
	})
	h.bridges[s.ID] = b
	h.logger.Info("Bridge opened", "session_id", s.ID, "unit_id", s.Handle.ID)
	return b, nil
}

// Serve 在已登记连接的 session 上运行一条 websocket 连接，阻塞到连接结束。
// 调用方先调用 AttachConnection；无论结果如何，Serve 返回前都会 DetachConnection。
func (h *Hub) Serve(ctx context.Context, s *session.Session, ws *websocket.Conn) error {
	defer h.sessions.DetachConnection(context.Background(), s.ID)

	conn := newConn(ws, h.cfg)
	b, err := h.bridgeFor(ctx, s)
	if err != nil {
		h.logger.Error("Failed to open desktop", "session_id", s.ID, "error", err)
		go conn.writePump()
		conn.Close(CloseDesktopUnavailable, ReasonDesktopUnavailable)
		<-conn.writerDone
		return err
	}
	if err := b.add(conn); err != nil {
		go conn.writePump()
		conn.Close(CloseSessionTerminated, ReasonSessionTerminated)
		<-conn.writerDone
		return err
	}

	// 登记连接期间 session 可能已离开 RUNNING
	if cur, err := h.sessions.GetSession(ctx, s.ID); err != nil || cur.State != session.StateRunning {
		code, reason := CloseSessionTerminated, ReasonSessionTerminated
		if cur != nil && cur.State == session.StateFailed {
			code, reason = CloseSessionFailed, ReasonSessionFailed
		}
		b.shutdown(code, reason)
	}

	log := h.logger.With("session_id", s.ID, "connection_id", conn.ID)
	log.Info("Stream connection attached")

	go conn.writePump()
	readErr := conn.readPump(b.handleMessage)

	b.remove(conn)
	conn.Close(websocket.CloseNormalClosure, "")
	<-conn.writerDone

	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !isClosedByServer(conn) {
		log.Warn("Stream connection error", "error", readErr)
	}
	log.Info("Stream connection detached")
	return nil
}

func isClosedByServer(c *Conn) bool {
	select {
	case <-c.closing:
		return c.closeCode != websocket.CloseNormalClosure
	default:
		return false
	}
}

// Bridges 返回当前打开的 bridge 数
func (h *Hub) Bridges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// Shutdown 关闭所有连接
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	bridges := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	h.mu.Unlock()

	for _, b := range bridges {
		b.shutdown(websocket.CloseGoingAway, ReasonShutdown)
	}
}
