package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"computeruse/internal/apperr"
	"computeruse/internal/inference"
)

// 客户端 -> 服务端
const (
	TypeClick          = "click"
	TypeType           = "type"
	TypeKeyCombination = "key_combination"
	TypeScroll         = "scroll"
	TypeMove           = "move"
	TypeRefresh        = "refresh"
	TypeGoal           = "goal"
)

// 服务端 -> 客户端
const (
	TypeScreenshot   = "screenshot"
	TypeActionResult = "action_result"
	TypeError        = "error"
)

// 关闭码与原因
const (
	CloseSessionTerminated  = 4001
	CloseSessionFailed      = 4002
	CloseDesktopUnavailable = 1011

	ReasonSessionTerminated  = "session_terminated"
	ReasonSessionFailed      = "session_failed"
	ReasonDesktopUnavailable = "desktop_unavailable"
	ReasonShutdown           = "shutdown"
)

const (
	maxTextLength = 10000
	maxKeys       = 8
	maxAmount     = 100
)

// Intent 是客户端发来的一条输入消息
type Intent struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	X         int      `json:"x,omitempty"`
	Y         int      `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	Text      string   `json:"text,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Amount    int      `json:"amount,omitempty"`
	Goal      string   `json:"goal,omitempty"`
}

type ScreenshotMessage struct {
	Type      string    `json:"type"`
	Data      []byte    `json:"data"` // base64 编码的 PNG
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

type ActionResultMessage struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	Action    string              `json:"action"`
	Success   bool                `json:"success"`
	Resolved  *inference.Decision `json:"resolved,omitempty"` // goal 解析出的具体动作
	Cached    bool                `json:"cached,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

type ErrorMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseIntent 解析一条消息。格式错误返回 ErrValidation，未知类型返回 ErrUnsupportedIntent。
func ParseIntent(data []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: invalid JSON message", apperr.ErrValidation)
	}
	switch in.Type {
	case TypeClick, TypeMove, TypeType, TypeKeyCombination, TypeScroll, TypeRefresh, TypeGoal:
		return in, nil
	case "":
		return in, fmt.Errorf("%w: missing type", apperr.ErrValidation)
	default:
		return in, fmt.Errorf("%w: %q", apperr.ErrUnsupportedIntent, in.Type)
	}
}

// Validate 检查参数，坐标按最近一次截屏的分辨率校验
func (in Intent) Validate(width, height int) error {
	switch in.Type {
	case TypeClick:
		switch in.Button {
		case "", "left", "right", "middle":
		default:
			return fmt.Errorf("%w: unknown button %q", apperr.ErrUnsupportedIntent, in.Button)
		}
		if in.X < 0 || in.Y < 0 || (width > 0 && in.X >= width) || (height > 0 && in.Y >= height) {
			return fmt.Errorf("%w: coordinates (%d,%d) outside %dx%d", apperr.ErrUnsupportedIntent, in.X, in.Y, width, height)
		}
	case TypeMove:
		if in.X < 0 || in.Y < 0 || (width > 0 && in.X >= width) || (height > 0 && in.Y >= height) {
			return fmt.Errorf("%w: coordinates (%d,%d) outside %dx%d", apperr.ErrUnsupportedIntent, in.X, in.Y, width, height)
		}
	case TypeType:
		if in.Text == "" {
			return fmt.Errorf("%w: text is required", apperr.ErrValidation)
		}
		if utf8.RuneCountInString(in.Text) > maxTextLength {
			return fmt.Errorf("%w: text longer than %d characters", apperr.ErrValidation, maxTextLength)
		}
	case TypeKeyCombination:
		if len(in.Keys) == 0 || len(in.Keys) > maxKeys {
			return fmt.Errorf("%w: keys must contain 1 to %d entries", apperr.ErrValidation, maxKeys)
		}
		for _, k := range in.Keys {
			// 桌面 agent 以 "+" 拼接组合键
			if k == "" || strings.Contains(k, "+") {
				return fmt.Errorf("%w: invalid key %q", apperr.ErrValidation, k)
			}
		}
	case TypeScroll:
		switch in.Direction {
		case "up", "down", "left", "right":
		default:
			return fmt.Errorf("%w: unknown scroll direction %q", apperr.ErrUnsupportedIntent, in.Direction)
		}
		if in.Amount < 1 || in.Amount > maxAmount {
			return fmt.Errorf("%w: amount must be within 1..%d", apperr.ErrValidation, maxAmount)
		}
	case TypeGoal:
		if in.Goal == "" {
			return fmt.Errorf("%w: goal is required", apperr.ErrValidation)
		}
	}
	return nil
}

// intentFromDecision 把推理结果转换成具体 intent
func intentFromDecision(id string, d inference.Decision) Intent {
	return Intent{
		Type:      d.Action,
		ID:        id,
		X:         d.X,
		Y:         d.Y,
		Button:    d.Button,
		Text:      d.Text,
		Keys:      d.Keys,
		Direction: d.Direction,
		Amount:    d.Amount,
	}
}
