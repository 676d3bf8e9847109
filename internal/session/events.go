package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"computeruse/internal/eventbus"
)

// EventPublisher 把状态变更按顺序转发到事件总线
type EventPublisher struct {
	bus    eventbus.EventBus
	logger *slog.Logger
	queue  chan eventbus.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewEventPublisher(bus eventbus.EventBus, logger *slog.Logger) *EventPublisher {
	p := &EventPublisher{
		bus:    bus,
		logger: logger.With("component", "session-events"),
		queue:  make(chan eventbus.Event, 256),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := p.bus.Publish(ctx, ev.SessionID, ev); err != nil {
			p.logger.Warn("Failed to publish session event", "session_id", ev.SessionID, "type", ev.Type, "error", err)
		}
		cancel()
	}
}

// Listener 返回可注册到 SessionManager 的监听器，队列满时丢弃事件
func (p *EventPublisher) Listener() Listener {
	return func(c StateChange) {
		ev := eventbus.Event{
			Type:      EventTypeFor(c.To),
			SessionID: c.Session.ID,
			Payload: eventbus.StatePayload{
				From:   string(c.From),
				To:     string(c.To),
				Reason: c.Reason,
			},
			Timestamp: c.At,
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			// 关闭后仍在运行的 provision/stop 协程的事件直接丢弃
			p.logger.Debug("Session event after close, dropping", "session_id", ev.SessionID, "type", ev.Type)
			return
		}
		select {
		case p.queue <- ev:
		default:
			p.logger.Warn("Session event queue full, dropping event", "session_id", ev.SessionID, "type", ev.Type)
		}
	}
}

// Close 在 SessionManager 关闭之后调用，等待队列中的事件发出。
// 之后到达的事件被丢弃。
func (p *EventPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func EventTypeFor(s State) eventbus.EventType {
	switch s {
	case StateStarting:
		return eventbus.EventSessionStarting
	case StateRunning:
		return eventbus.EventSessionReady
	case StateStopping:
		return eventbus.EventSessionStopping
	case StateTerminated:
		return eventbus.EventSessionClosed
	default:
		return eventbus.EventSessionError
	}
}
