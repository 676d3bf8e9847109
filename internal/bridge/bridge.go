package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/monitor"
)

type Config struct {
	TargetFPS        int
	MinFPS           int
	MaxCaptureErrors int
	ActionTimeout    time.Duration
	MaxMessageSize   int64
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = 25
	}
	if c.MinFPS <= 0 || c.MinFPS > c.TargetFPS {
		c.MinFPS = min(5, c.TargetFPS)
	}
	if c.MaxCaptureErrors <= 0 {
		c.MaxCaptureErrors = 10
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

// Bridge 是单个 session 的桌面桥：一个截屏循环，多个对等连接
type Bridge struct {
	sessionID string
	desktop   Desktop
	resolver  *Resolver
	artifacts *SessionArtifacts
	sessions  Sessions
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	latest  Frame
	closed  bool
	wake    chan struct{}
	onClose func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newBridge(sessionID string, desktop Desktop, resolver *Resolver, artifacts *SessionArtifacts, sessions Sessions, cfg Config, logger *slog.Logger, onClose func()) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		sessionID: sessionID,
		desktop:   desktop,
		resolver:  resolver,
		artifacts: artifacts,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger.With("session_id", sessionID),
		conns:     make(map[*Conn]struct{}),
		wake:      make(chan struct{}, 1),
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.captureLoop()
	return b
}

// add 注册连接并立即发送一帧完整截屏
func (b *Bridge) add(c *Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge for session %s is closed: %w", b.sessionID, apperr.ErrInternalState)
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	monitor.BridgeConnections.Inc()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	frame, err := b.capture()
	if err != nil {
		b.logger.Warn("Initial capture failed", "connection_id", c.ID, "error", err)
		return nil
	}
	if msg, err := encodeFrame(frame); err == nil {
		c.offerFrame(msg)
	}
	return nil
}

func (b *Bridge) remove(c *Conn) {
	b.mu.Lock()
	_, ok := b.conns[c]
	delete(b.conns, c)
	b.mu.Unlock()
	if ok {
		monitor.BridgeConnections.Dec()
	}
}

func (b *Bridge) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// shutdown 以给定关闭码关闭所有连接并停止截屏循环，不阻塞
func (b *Bridge) shutdown(code int, reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
	b.cancel()
	b.logger.Info("Bridge closed", "reason", reason, "connections", len(conns))
	if b.onClose != nil {
		b.onClose()
	}
}

func (b *Bridge) capture() (Frame, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ActionTimeout)
	defer cancel()
	frame, err := b.desktop.Capture(ctx)
	if err != nil {
		return Frame{}, err
	}
	b.mu.Lock()
	b.latest = frame
	b.mu.Unlock()
	return frame, nil
}

func (b *Bridge) latestFrame() Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// captureLoop 按目标帧率截屏并广播。有连接落后时降低帧率，直到最低帧率；
// 全部跟上时逐步恢复。没有连接时暂停截屏。
func (b *Bridge) captureLoop() {
	defer close(b.done)
	defer b.desktop.Close()

	target := time.Second / time.Duration(b.cfg.TargetFPS)
	slowest := time.Second / time.Duration(b.cfg.MinFPS)
	interval := target
	failures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-timer.C:
		case <-b.wake:
		}

		if b.connCount() == 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-b.wake:
			}
			timer.Reset(interval)
			continue
		}

		frame, err := b.capture()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			failures++
			monitor.BridgeCaptureErrors.Inc()
			b.logger.Warn("Capture failed", "consecutive", failures, "error", err)
			if failures >= b.cfg.MaxCaptureErrors {
				b.shutdown(CloseDesktopUnavailable, ReasonDesktopUnavailable)
				return
			}
			timer.Reset(interval)
			continue
		}
		failures = 0

		if b.broadcast(frame) {
			interval = min(interval*5/4, slowest)
		} else if interval > target {
			interval = max(interval*4/5, target)
		}
		timer.Reset(interval)
	}
}

// broadcast 返回是否有连接落后（旧帧尚未发送就被覆盖）
func (b *Bridge) broadcast(frame Frame) bool {
	msg, err := encodeFrame(frame)
	if err != nil {
		b.logger.Error("Failed to encode frame", "error", err)
		return false
	}
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	lagging := false
	for _, c := range conns {
		if c.offerFrame(msg) {
			lagging = true
		}
	}
	return lagging
}

// handleMessage 在连接的 intentWorker 中执行，同一连接的 intent 按到达顺序处理
func (b *Bridge) handleMessage(c *Conn, data []byte) {
	in, err := ParseIntent(data)
	if err != nil {
		b.reply(c, in, err, nil)
		monitor.BridgeIntents.WithLabelValues("invalid", "rejected").Inc()
		return
	}
	b.sessions.Touch(b.sessionID)

	res, err := b.execute(c, in)
	outcome := "ok"
	if err != nil {
		outcome = apperr.Reason(err)
	}
	monitor.BridgeIntents.WithLabelValues(in.Type, outcome).Inc()
	b.reply(c, in, err, res)
}

func (b *Bridge) execute(c *Conn, in Intent) (*Resolution, error) {
	frame := b.latestFrame()

	switch in.Type {
	case TypeRefresh:
		fresh, err := b.capture()
		if err != nil {
			return nil, err
		}
		msg, err := encodeFrame(fresh)
		if err != nil {
			return nil, err
		}
		c.offerFrame(msg)
		return nil, nil

	case TypeGoal:
		if err := in.Validate(frame.Width, frame.Height); err != nil {
			return nil, err
		}
		if b.resolver == nil {
			return nil, fmt.Errorf("%w: goal resolution is not configured", apperr.ErrUnsupportedIntent)
		}
		if len(frame.PNG) == 0 {
			var err error
			if frame, err = b.capture(); err != nil {
				return nil, err
			}
		}
		ctx, cancel := context.WithTimeout(b.ctx, 2*time.Minute)
		res, err := b.resolver.Resolve(ctx, in.Goal, frame)
		cancel()
		if err != nil {
			return nil, err
		}
		concrete := intentFromDecision(in.ID, res.Decision)
		if concrete.Type == TypeGoal || concrete.Type == TypeRefresh {
			return &res, fmt.Errorf("%w: resolved action %q is not executable", apperr.ErrUnsupportedIntent, concrete.Type)
		}
		if err := concrete.Validate(frame.Width, frame.Height); err != nil {
			if res.Cached {
				b.resolver.Forget(b.ctx, res.Fingerprint)
			}
			return &res, err
		}
		return &res, b.dispatch(c, concrete, frame)

	default:
		if err := in.Validate(frame.Width, frame.Height); err != nil {
			return nil, err
		}
		return nil, b.dispatch(c, in, frame)
	}
}

// dispatch 把具体 intent 转发给桌面，并按需落盘
func (b *Bridge) dispatch(c *Conn, in Intent, before Frame) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ActionTimeout)
	defer cancel()

	var err error
	switch in.Type {
	case TypeClick:
		err = b.desktop.Click(ctx, in.X, in.Y, in.Button)
	case TypeMove:
		err = b.desktop.Move(ctx, in.X, in.Y)
	case TypeType:
		err = b.desktop.Type(ctx, in.Text)
	case TypeKeyCombination:
		err = b.desktop.KeyCombination(ctx, in.Keys)
	case TypeScroll:
		err = b.desktop.Scroll(ctx, in.Direction, in.Amount)
	default:
		err = fmt.Errorf("%w: %q", apperr.ErrUnsupportedIntent, in.Type)
	}

	if b.artifacts != nil {
		b.journal(c, in, before, err)
	}
	// 动作后尽快推送新画面
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return err
}

func (b *Bridge) journal(c *Conn, in Intent, before Frame, actionErr error) {
	entry := JournalEntry{At: time.Now().UTC(), ConnID: c.ID, Intent: in, Outcome: "ok"}
	if len(before.PNG) > 0 {
		sum, err := b.artifacts.SaveFrame(before.PNG)
		if err != nil {
			b.logger.Warn("Failed to save frame artifact", "error", err)
		}
		entry.Frame = sum
	}
	if actionErr != nil {
		entry.Outcome = "error"
		entry.ErrorMsg = actionErr.Error()
	}
	if err := b.artifacts.Record(entry); err != nil {
		b.logger.Warn("Failed to record journal entry", "error", err)
	}
}

func (b *Bridge) reply(c *Conn, in Intent, err error, res *Resolution) {
	now := time.Now().UTC()
	var msg any
	if err != nil {
		msg = ErrorMessage{
			Type:      TypeError,
			ID:        in.ID,
			Code:      apperr.Reason(err),
			Message:   publicMessage(err),
			Timestamp: now,
		}
	} else {
		ar := ActionResultMessage{
			Type:      TypeActionResult,
			ID:        in.ID,
			Action:    in.Type,
			Success:   true,
			Timestamp: now,
		}
		if res != nil {
			ar.Resolved = &res.Decision
			ar.Cached = res.Cached
		}
		msg = ar
	}
	data, merr := json.Marshal(msg)
	if merr != nil {
		b.logger.Error("Failed to encode reply", "error", merr)
		return
	}
	c.sendControl(data)
}

// publicMessage 不向客户端暴露下游的原始错误
func publicMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrUnsupportedIntent):
		return err.Error()
	case errors.Is(err, apperr.ErrCircuitOpen):
		return "dependency temporarily unavailable, retry later"
	case errors.Is(err, apperr.ErrInferenceUnavailable):
		return "inference service unavailable"
	default:
		return "desktop action failed"
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(ScreenshotMessage{
		Type:      TypeScreenshot,
		Data:      f.PNG,
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.CapturedAt.UTC(),
	})
}
