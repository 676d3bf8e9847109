package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"computeruse/internal/apperr"
)

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyExists   = errors.New("api key already exists")
	ErrUnknownTier = errors.New("unknown tier")
)

type Op string

const (
	OpRequest       Op = "request"
	OpCreateSession Op = "create_session"
	OpStream        Op = "stream"
)

type Credential struct {
	KeyHash   string
	OwnerID   string
	Tier      string
	Active    bool
	ExpiresAt time.Time // 零值表示不过期
}

// CredentialStore 校验 API key。未知 key 返回 ErrInvalidKey。
type CredentialStore interface {
	Lookup(ctx context.Context, apiKey string) (*Credential, error)
}

type TierLimits struct {
	RequestsPerWindow int
	Window            time.Duration
	MaxSessions       int
}

// AuthContext 是准入成功后的调用方身份
type AuthContext struct {
	OwnerID string
	Tier    string
	Limits  TierLimits
}

type QuotaRecord struct {
	OwnerID          string        `json:"owner_id"`
	Tier             string        `json:"tier"`
	RequestsInWindow int           `json:"requests_in_window"`
	RequestLimit     int           `json:"request_limit"`
	Window           time.Duration `json:"window_ns"`
	ActiveSessions   int           `json:"active_sessions"`
	SessionLimit     int           `json:"session_limit"`
}

// QuotaStore 维护每个 owner 的请求窗口与活跃 session 数，所有操作对单个 owner 原子
type QuotaStore interface {
	// HitRequest 在窗口未满时记一次请求；窗口已满时返回 allowed=false 和窗口重置时间
	HitRequest(ctx context.Context, owner string, limit int, window time.Duration, now time.Time) (allowed bool, count int, resetAt time.Time, err error)
	// ReserveSession 在未达上限时占用一个 session 名额
	ReserveSession(ctx context.Context, owner string, limit int) (ok bool, current int, err error)
	// ReleaseSession 归还一个名额，计数不会小于 0
	ReleaseSession(ctx context.Context, owner string) error
	Usage(ctx context.Context, owner string, window time.Duration, now time.Time) (requests, sessions int, err error)
}

type RejectReason string

const (
	ReasonInvalidKey   RejectReason = "invalid_key"
	ReasonRateLimited  RejectReason = "rate_limited"
	ReasonSessionLimit RejectReason = "session_limit_reached"
)

// RejectError 是带类型的准入拒绝
type RejectError struct {
	Reason  RejectReason
	ResetAt time.Time // rate_limited
	Current int       // session_limit_reached
	Limit   int
}

func (e *RejectError) Error() string {
	switch e.Reason {
	case ReasonRateLimited:
		return fmt.Sprintf("rate limited: %d requests per window, resets at %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
	case ReasonSessionLimit:
		return fmt.Sprintf("session limit reached: %d/%d active", e.Current, e.Limit)
	default:
		return "invalid api key"
	}
}

func (e *RejectError) Unwrap() error {
	if e.Reason == ReasonInvalidKey {
		return ErrInvalidKey
	}
	return apperr.ErrQuota
}
