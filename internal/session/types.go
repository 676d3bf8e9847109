package session

import (
	"time"

	"computeruse/internal/compute"
)

type State string

const (
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateStopping   State = "STOPPING"
	StateTerminated State = "TERMINATED"
	StateFailed     State = "FAILED"
)

// Terminal 终态：不再持有计算单元
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// 合法状态迁移
var transitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Session struct {
	ID              string         `json:"session_id"`
	OwnerID         string         `json:"owner_id"`
	State           State          `json:"state"`
	Handle          compute.Handle `json:"compute_handle"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ConnectionCount int            `json:"connection_count"`
	Reason          string         `json:"reason,omitempty"` // 进入 FAILED/STOPPING 的原因
}

// StateChange 状态变更通知
type StateChange struct {
	Session Session
	From    State
	To      State
	Reason  string
	At      time.Time
}

// Listener 在状态变更后按顺序同步调用，不应阻塞
type Listener func(change StateChange)

const (
	ReasonTerminated      = "terminated"
	ReasonIdle            = "idle_timeout"
	ReasonMaxLifetime     = "max_lifetime"
	ReasonStartingTimeout = "starting_timeout"
	ReasonUnitLost        = "unit_lost"
	ReasonRestart         = "orchestrator_restart"
	ReasonShutdown        = "shutdown"
)

const ComputeStopTask = "compute:stop"

type ComputeStopPayload struct {
	SessionID string         `json:"session_id"`
	Handle    compute.Handle `json:"handle"`
}
