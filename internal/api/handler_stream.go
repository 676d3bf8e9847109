package api

import (
	"context"
	"log/slog"
	"net/http"

	"computeruse/internal/bridge"
	"computeruse/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type StreamHandler struct {
	sessions *session.SessionManager
	hub      *bridge.Hub
	upgrader websocket.Upgrader
}

func NewStreamHandler(sessions *session.SessionManager, hub *bridge.Hub) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			// 鉴权由 api key 完成，不校验 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream GET /api/v1/sessions/:id/stream
// 把连接升级为 websocket 并交给 bridge，阻塞到连接结束
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := ownedSession(ctx, h.sessions, authContext(c), id); err != nil {
		abortWithError(c, err)
		return
	}

	// 升级前登记连接，STARTING 返回 409，已结束的 session 同样 409
	sess, err := h.sessions.AttachConnection(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回错误响应
		h.sessions.DetachConnection(context.Background(), id)
		slog.Warn("Failed to upgrade stream connection", "session_id", id, "error", err)
		return
	}

	if err := h.hub.Serve(ctx, sess, ws); err != nil {
		slog.Warn("Stream connection ended with error", "session_id", id, "error", err)
	}
}
