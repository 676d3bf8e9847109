// Package compute 适配外部计算资源（桌面容器）的启动、停止与状态查询。
package compute

import (
	"context"
	"errors"
)

var (
	ErrImagePullFailed  = errors.New("failed to pull image")
	ErrUnitStartFailed  = errors.New("failed to start compute unit")
	ErrUnitNotReady     = errors.New("compute unit did not become ready")
	ErrInvalidStartSpec = errors.New("invalid start request")
)

type StartRequest struct {
	SessionID string
	OwnerID   string
}

// Handle 是外部计算单元的不透明引用
type Handle struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`             // 桌面代理 HTTP 地址
	ProbeAddr string `json:"probe_addr,omitempty"` // gRPC health 地址
}

func (h Handle) IsZero() bool { return h.ID == "" }

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusMissing Status = "missing"
)

// Provider 是计算资源提供方。
// Stop 对不存在的单元返回 nil；Start 失败时不得留下孤儿单元。
type Provider interface {
	Name() string
	Start(ctx context.Context, req StartRequest) (Handle, error)
	Stop(ctx context.Context, h Handle) error
	Describe(ctx context.Context, h Handle) (Status, error)
}
