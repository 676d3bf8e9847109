package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"computeruse/internal/eventbus"
	"computeruse/internal/session"

	"github.com/gin-gonic/gin"
)

type EventsHandler struct {
	sessions  *session.SessionManager
	bus       eventbus.EventBus
	heartbeat time.Duration
}

func NewEventsHandler(sessions *session.SessionManager, bus eventbus.EventBus) *EventsHandler {
	return &EventsHandler{sessions: sessions, bus: bus, heartbeat: 30 * time.Second}
}

// StreamEvents GET /api/v1/sessions/:id/events
// 通过 SSE 推送 session 状态变更。先发送当前状态快照，session 结束后关闭流。
func (h *EventsHandler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := ownedSession(ctx, h.sessions, authContext(c), sessionID); err != nil {
		abortWithError(c, err)
		return
	}

	// 先订阅再读快照，避免两者之间的变更丢失
	eventCh, err := h.bus.Subscribe(ctx, sessionID)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	sess, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接不受 http.Server.WriteTimeout 限制
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	snapshot := eventbus.Event{
		Type:      session.EventTypeFor(sess.State),
		SessionID: sess.ID,
		Payload:   eventbus.StatePayload{To: string(sess.State), Reason: sess.Reason},
		Timestamp: sess.UpdatedAt,
	}
	if !writeEvent(c, snapshot) || sess.State.Terminal() {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}
			if !writeEvent(c, event) {
				return false
			}
			return !isFinalEvent(event.Type)

		case <-ctx.Done():
			// 客户端断连
			return false

		case <-heartbeat.C:
			// 心跳保持连接
			c.SSEvent("ping", "")
			return true
		}
	})
}

func writeEvent(c *gin.Context, event eventbus.Event) bool {
	data, err := json.Marshal(SSEEvent{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		Payload:   event.Payload,
		Timestamp: formatTime(event.Timestamp),
	})
	if err != nil {
		return false
	}
	c.SSEvent("message", string(data))
	c.Writer.Flush()
	return true
}

func isFinalEvent(t eventbus.EventType) bool {
	return t == eventbus.EventSessionClosed || t == eventbus.EventSessionError
}
