package session

import (
	"context"

	"computeruse/internal/auth"
	"computeruse/internal/compute"
)

// Repository 持久化 session 记录。内存表是权威数据，仓库用于跨进程重启的恢复与历史查询。
// GetByID 找不到时返回包装了 apperr.ErrNotFound 的错误。
type Repository interface {
	Save(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Session, error)
	ListByStates(ctx context.Context, states []State) ([]*Session, error)
}

// Quota 是 session 名额的占用与归还
type Quota interface {
	ReserveSession(ctx context.Context, ac auth.AuthContext) error
	ReleaseSession(ctx context.Context, owner string) error
}

// StopQueue 接收停止失败的计算单元，在请求路径之外重试
type StopQueue interface {
	EnqueueStop(ctx context.Context, sessionID string, h compute.Handle) error
}
