package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"computeruse/internal/monitor"
)

const defaultTier = "basic"

// Gate 负责 API key 校验、按 tier 的请求限流与并发 session 上限
type Gate struct {
	creds  CredentialStore
	quotas QuotaStore
	tiers  map[string]TierLimits
	now    func() time.Time
	logger *slog.Logger
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(creds CredentialStore, quotas QuotaStore, tiers map[string]TierLimits, logger *slog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		creds:  creds,
		quotas: quotas,
		tiers:  tiers,
		now:    time.Now,
		logger: logger.With("component", "auth-gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ParseBearer 从 "Bearer <key>" 中取出 key，不带前缀时原样返回
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Admit 校验 key 并计一次请求。拒绝时返回 *RejectError。
func (g *Gate) Admit(ctx context.Context, apiKey string, op Op) (*AuthContext, error) {
	if apiKey == "" {
		return nil, g.reject(op, &RejectError{Reason: ReasonInvalidKey})
	}

	cred, err := g.creds.Lookup(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return nil, g.reject(op, &RejectError{Reason: ReasonInvalidKey})
		}
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	now := g.now()
	if !cred.Active || (!cred.ExpiresAt.IsZero() && !now.Before(cred.ExpiresAt)) {
		g.logger.Warn("Rejected inactive or expired key", "owner_id", cred.OwnerID)
		return nil, g.reject(op, &RejectError{Reason: ReasonInvalidKey})
	}

	tier := cred.Tier
	limits, ok := g.tiers[tier]
	if !ok {
		tier = defaultTier
		if limits, ok = g.tiers[tier]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTier, cred.Tier)
		}
	}

	allowed, count, resetAt, err := g.quotas.HitRequest(ctx, cred.OwnerID, limits.RequestsPerWindow, limits.Window, now)
	if err != nil {
		return nil, fmt.Errorf("quota store: %w", err)
	}
	if !allowed {
		g.logger.Warn("Rate limit exceeded", "owner_id", cred.OwnerID, "tier", tier, "count", count, "op", op)
		return nil, g.reject(op, &RejectError{Reason: ReasonRateLimited, ResetAt: resetAt, Limit: limits.RequestsPerWindow})
	}

	return &AuthContext{OwnerID: cred.OwnerID, Tier: tier, Limits: limits}, nil
}

// ReserveSession 原子地检查并占用一个并发 session 名额
func (g *Gate) ReserveSession(ctx context.Context, ac AuthContext) error {
	ok, current, err := g.quotas.ReserveSession(ctx, ac.OwnerID, ac.Limits.MaxSessions)
	if err != nil {
		return fmt.Errorf("quota store: %w", err)
	}
	if !ok {
		return g.reject(OpCreateSession, &RejectError{Reason: ReasonSessionLimit, Current: current, Limit: ac.Limits.MaxSessions})
	}
	return nil
}

func (g *Gate) ReleaseSession(ctx context.Context, owner string) error {
	return g.quotas.ReleaseSession(ctx, owner)
}

// Quota 返回调用方当前配额使用情况
func (g *Gate) Quota(ctx context.Context, ac AuthContext) (QuotaRecord, error) {
	requests, sessions, err := g.quotas.Usage(ctx, ac.OwnerID, ac.Limits.Window, g.now())
	if err != nil {
		return QuotaRecord{}, err
	}
	return QuotaRecord{
		OwnerID:          ac.OwnerID,
		Tier:             ac.Tier,
		RequestsInWindow: requests,
		RequestLimit:     ac.Limits.RequestsPerWindow,
		Window:           ac.Limits.Window,
		ActiveSessions:   sessions,
		SessionLimit:     ac.Limits.MaxSessions,
	}, nil
}

func (g *Gate) reject(op Op, e *RejectError) error {
	monitor.QuotaRejections.WithLabelValues(string(e.Reason)).Inc()
	g.logger.Debug("Admission rejected", "op", op, "reason", e.Reason)
	return e
}
