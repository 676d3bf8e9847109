package eventbus

import "time"

type EventType string

const (
	EventSessionStarting EventType = "session.starting"
	EventSessionReady    EventType = "session.ready"
	EventSessionStopping EventType = "session.stopping"
	EventSessionClosed   EventType = "session.closed"
	EventSessionError    EventType = "session.error"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// StatePayload 状态变更事件的负载
type StatePayload struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func SessionChannelKey(sessionID string) string {
	return "session:" + sessionID + ":events"
}
