package api

import (
	"time"

	"computeruse/internal/compute"
	"computeruse/internal/resilience"
	"computeruse/internal/session"
)

type CreateSessionRequest struct {
	OwnerID string `json:"owner_id"`
}

type CreateSessionResponse struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	StreamAddress string `json:"stream_address"`
	CreatedAt     string `json:"created_at"`
}

type HandleResponse struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
}

type SessionResponse struct {
	SessionID       string          `json:"session_id"`
	OwnerID         string          `json:"owner_id"`
	State           string          `json:"state"`
	ComputeHandle   *HandleResponse `json:"compute_handle,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       string          `json:"created_at"`
	LastActivityAt  string          `json:"last_activity_at"`
	ConnectionCount int             `json:"connection_count"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type TerminateResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type HealthResponse struct {
	Status         string                `json:"status"`
	Timestamp      string                `json:"timestamp"`
	ActiveSessions int                   `json:"active_sessions"`
	Bridges        int                   `json:"bridges"`
	Circuits       []resilience.Snapshot `json:"circuits,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
	// 配额拒绝
	Current int    `json:"current,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	ResetAt string `json:"reset_at,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	resp := SessionResponse{
		SessionID:       s.ID,
		OwnerID:         s.OwnerID,
		State:           string(s.State),
		Reason:          s.Reason,
		CreatedAt:       formatTime(s.CreatedAt),
		LastActivityAt:  formatTime(s.LastActivityAt),
		ConnectionCount: s.ConnectionCount,
	}
	if s.State == session.StateRunning && !s.Handle.IsZero() {
		resp.ComputeHandle = toHandleResponse(s.Handle)
	}
	return resp
}

func toHandleResponse(h compute.Handle) *HandleResponse {
	return &HandleResponse{ID: h.ID, Endpoint: h.Endpoint}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
