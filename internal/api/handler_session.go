package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"computeruse/internal/auth"
	"computeruse/internal/session"

	"github.com/gin-gonic/gin"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

type SessionHandler struct {
	sessions  *session.SessionManager
	publicURL string
	waitPoll  time.Duration
}

func NewSessionHandler(sessions *session.SessionManager, publicURL string) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		publicURL: strings.TrimRight(publicURL, "/"),
		waitPoll:  500 * time.Millisecond,
	}
}

// CreateSession POST /api/v1/sessions
// 立即返回 STARTING 状态的 session，单元在后台供给
func (h *SessionHandler) CreateSession(c *gin.Context) {
	ac := authContext(c)

	var req CreateSessionRequest
	// 请求体可选
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	if req.OwnerID != "" && req.OwnerID != ac.OwnerID {
		respondError(c, http.StatusBadRequest, ErrOwnerMismatch)
		return
	}

	sess, err := h.sessions.CreateSession(c.Request.Context(), *ac)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:     sess.ID,
		State:         string(sess.State),
		StreamAddress: h.streamAddress(c, sess.ID),
		CreatedAt:     formatTime(sess.CreatedAt),
	})
}

// streamAddress 优先使用配置的公开地址，否则按请求推断
func (h *SessionHandler) streamAddress(c *gin.Context, id string) string {
	path := "/api/v1/sessions/" + id + "/stream"
	if h.publicURL != "" {
		base := h.publicURL
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
		return base + path
	}
	scheme := "ws"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + c.Request.Host + path
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	ac := authContext(c)

	sessions, err := h.sessions.ListSessions(c.Request.Context(), ac.OwnerID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: resp})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := ownedSession(c.Request.Context(), h.sessions, authContext(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// TerminateSession DELETE /api/v1/sessions/:id
// 幂等；单元在后台停止，通过 wait 或 events 观察终态
func (h *SessionHandler) TerminateSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := ownedSession(c.Request.Context(), h.sessions, authContext(c), id); err != nil {
		abortWithError(c, err)
		return
	}

	if err := h.sessions.TerminateSession(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, TerminateResponse{
		Status:    "terminating",
		SessionID: id,
	})
}

// WaitReady GET /api/v1/sessions/:id/wait?timeout=<seconds>
// 长轮询直到 RUNNING。session 已结束返回 409，超时返回 202 和当前状态。
func (h *SessionHandler) WaitReady(c *gin.Context) {
	id := c.Param("id")
	ac := authContext(c)

	timeout := defaultWaitTimeout
	if v := c.Query("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "timeout must be a positive number of seconds")
			return
		}
		timeout = min(time.Duration(secs)*time.Second, maxWaitTimeout)
	}

	// 等待时长可能超过 http.Server.WriteTimeout
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Now().Add(timeout + 10*time.Second)); err != nil {
		slog.Warn("Failed to extend write deadline for wait", "error", err)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	ticker := time.NewTicker(h.waitPoll)
	defer ticker.Stop()

	for {
		sess, err := ownedSession(ctx, h.sessions, ac, id)
		if err != nil {
			if ctx.Err() == nil {
				abortWithError(c, err)
				return
			}
		} else {
			switch sess.State {
			case session.StateRunning:
				c.JSON(http.StatusOK, toSessionResponse(sess))
				return
			case session.StateStopping, session.StateTerminated, session.StateFailed:
				respondErrorWithDetails(c, http.StatusConflict, ErrSessionEnded, fmt.Sprintf("state=%s reason=%s", sess.State, sess.Reason))
				return
			}
		}

		select {
		case <-ctx.Done():
			if c.Request.Context().Err() != nil {
				// 客户端断连
				return
			}
			if sess != nil {
				c.JSON(http.StatusAccepted, toSessionResponse(sess))
			} else {
				abortWithError(c, err)
			}
			return
		case <-ticker.C:
		}
	}
}

// ownedSession 对其他 owner 的 session 与不存在的 session 一视同仁
func ownedSession(ctx context.Context, sessions *session.SessionManager, ac *auth.AuthContext, id string) (*session.Session, error) {
	sess, err := sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if ac == nil || sess.OwnerID != ac.OwnerID {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}
