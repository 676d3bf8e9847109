package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"computeruse/internal/compute"
)

var ErrDesktopClosed = errors.New("desktop closed")

// Frame 是一次截屏
type Frame struct {
	PNG        []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Desktop 是计算单元内远程桌面的输入/截屏接口
type Desktop interface {
	Capture(ctx context.Context) (Frame, error)
	Click(ctx context.Context, x, y int, button string) error
	Move(ctx context.Context, x, y int) error
	Type(ctx context.Context, text string) error
	KeyCombination(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, direction string, amount int) error
	Close() error
}

// DesktopFactory 按计算单元句柄创建 Desktop
type DesktopFactory interface {
	Open(ctx context.Context, h compute.Handle) (Desktop, error)
}

// DesktopConfig 桌面连接参数
type DesktopConfig struct {
	Width         int
	Height        int
	ActionTimeout time.Duration
}

// NewDesktopFactory 按 mode 返回对应实现，启动时决定一次
func NewDesktopFactory(mode string, cfg DesktopConfig, logger *slog.Logger) (DesktopFactory, error) {
	switch mode {
	case "simulated":
		return SimulatedFactory{Width: cfg.Width, Height: cfg.Height}, nil
	case "live":
		return &LiveFactory{
			client: &http.Client{Timeout: cfg.ActionTimeout},
			logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown desktop mode %q", mode)
	}
}

type SimulatedFactory struct {
	Width  int
	Height int
}

func (f SimulatedFactory) Open(ctx context.Context, h compute.Handle) (Desktop, error) {
	return NewSimulatedDesktop(f.Width, f.Height), nil
}

// Action 记录 SimulatedDesktop 收到的输入
type Action struct {
	Kind      string
	X, Y      int
	Button    string
	Text      string
	Keys      []string
	Direction string
	Amount    int
}

// SimulatedDesktop 在内存中渲染一块画布，用于开发与测试。
// 每次输入都会改变画面，截屏能反映桌面状态的变化。
type SimulatedDesktop struct {
	width, height int

	mu         sync.Mutex
	closed     bool
	cursorX    int
	cursorY    int
	scrollY    int
	typed      int
	actions    []Action
	captureErr error
}

func NewSimulatedDesktop(width, height int) *SimulatedDesktop {
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	return &SimulatedDesktop{width: width, height: height}
}

// FailCaptures 让后续截屏返回 err，nil 表示恢复
func (d *SimulatedDesktop) FailCaptures(err error) {
	d.mu.Lock()
	d.captureErr = err
	d.mu.Unlock()
}

func (d *SimulatedDesktop) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

func (d *SimulatedDesktop) Capture(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Frame{}, ErrDesktopClosed
	}
	if d.captureErr != nil {
		err := d.captureErr
		d.mu.Unlock()
		return Frame{}, err
	}
	cx, cy, scroll, typed := d.cursorX, d.cursorY, d.scrollY, d.typed
	d.mu.Unlock()

	// 缩小渲染，截屏尺寸仍按桌面分辨率上报
	const scale = 8
	w, h := max(d.width/scale, 1), max(d.height/scale, 1)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	bg := color.NRGBA{R: 32, G: 40, B: uint8(48 + scroll%64), A: 255}
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, bg)
		}
	}
	// 光标位置画一个亮点，输入文本长度体现为顶部进度条
	img.SetNRGBA(min(cx/scale, w-1), min(cy/scale, h-1), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for x := range min(typed, w) {
		img.SetNRGBA(x, 0, color.NRGBA{G: 200, A: 255})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Frame{}, err
	}
	return Frame{PNG: buf.Bytes(), Width: d.width, Height: d.height, CapturedAt: time.Now()}, nil
}

func (d *SimulatedDesktop) record(a Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDesktopClosed
	}
	switch a.Kind {
	case TypeClick, TypeMove:
		d.cursorX, d.cursorY = a.X, a.Y
	case TypeType:
		d.typed += len(a.Text)
	case TypeScroll:
		if a.Direction == "down" || a.Direction == "right" {
			d.scrollY += a.Amount
		} else {
			d.scrollY -= a.Amount
		}
	}
	d.actions = append(d.actions, a)
	return nil
}

func (d *SimulatedDesktop) Click(ctx context.Context, x, y int, button string) error {
	return d.record(Action{Kind: TypeClick, X: x, Y: y, Button: button})
}

func (d *SimulatedDesktop) Move(ctx context.Context, x, y int) error {
	return d.record(Action{Kind: TypeMove, X: x, Y: y})
}

func (d *SimulatedDesktop) Type(ctx context.Context, text string) error {
	return d.record(Action{Kind: TypeType, Text: text})
}

func (d *SimulatedDesktop) KeyCombination(ctx context.Context, keys []string) error {
	return d.record(Action{Kind: TypeKeyCombination, Keys: keys})
}

func (d *SimulatedDesktop) Scroll(ctx context.Context, direction string, amount int) error {
	return d.record(Action{Kind: TypeScroll, Direction: direction, Amount: amount})
}

func (d *SimulatedDesktop) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
