// Package inference 是外部 AI 推理服务的客户端。
// 推理服务根据屏幕截图与自然语言目标，返回一个具体的桌面动作及置信度。
package inference

import (
	"context"
	"errors"
)

var ErrMalformedDecision = errors.New("malformed decision")

// Request 描述一次推理请求
type Request struct {
	Goal       string
	Screenshot []byte // PNG
	Width      int
	Height     int
}

// Decision 是推理结果中可执行的具体动作，Action 取值与流协议的 intent 类型一致
type Decision struct {
	Action    string   `json:"action"`
	X         int      `json:"x,omitempty"`
	Y         int      `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	Text      string   `json:"text,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Amount    int      `json:"amount,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

type Result struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
}

type Provider interface {
	Decide(ctx context.Context, req Request) (*Result, error)
}
