package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"computeruse/internal/apperr"

	"github.com/google/uuid"
)

var _ Provider = (*SimulatedProvider)(nil)

// SimulatedProvider 在进程内模拟计算单元，用于本地开发和测试
type SimulatedProvider struct {
	delay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	units    map[string]StartRequest
	failNext int   // 接下来 N 次 Start 返回瞬时错误
	failErr  error // 非空时 Start 一律返回该错误
	stopErrs int   // 接下来 N 次 Stop 返回瞬时错误
	starts   int
}

func NewSimulatedProvider(delay time.Duration, logger *slog.Logger) *SimulatedProvider {
	return &SimulatedProvider{
		delay:  delay,
		logger: logger.With("component", "compute-simulated"),
		units:  make(map[string]StartRequest),
	}
}

func (p *SimulatedProvider) Name() string { return "simulated" }

// FailStarts 让接下来 n 次 Start 返回瞬时错误
func (p *SimulatedProvider) FailStarts(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// FailStartsWith 让所有 Start 返回 err，nil 表示恢复
func (p *SimulatedProvider) FailStartsWith(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

// FailStops 让接下来 n 次 Stop 返回瞬时错误
func (p *SimulatedProvider) FailStops(n int) {
	p.mu.Lock()
	p.stopErrs = n
	p.mu.Unlock()
}

func (p *SimulatedProvider) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if req.SessionID == "" {
		return Handle{}, ErrInvalidStartSpec
	}

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.failErr != nil {
		return Handle{}, p.failErr
	}
	if p.failNext > 0 {
		p.failNext--
		return Handle{}, fmt.Errorf("%w: simulated capacity shortage", apperr.ErrProviderTransient)
	}

	id := "sim-" + uuid.NewString()[:12]
	p.units[id] = req
	p.logger.Debug("Simulated unit started", "unit_id", id, "session_id", req.SessionID)
	return Handle{ID: id, Endpoint: "sim://" + id}, nil
}

func (p *SimulatedProvider) Stop(ctx context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopErrs > 0 {
		p.stopErrs--
		return fmt.Errorf("%w: simulated stop timeout", apperr.ErrProviderTransient)
	}
	delete(p.units, h.ID)
	return nil
}

func (p *SimulatedProvider) Describe(ctx context.Context, h Handle) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.units[h.ID]; ok {
		return StatusRunning, nil
	}
	return StatusMissing, nil
}

// Kill 模拟单元在外部被销毁
func (p *SimulatedProvider) Kill(id string) {
	p.mu.Lock()
	delete(p.units, id)
	p.mu.Unlock()
}

// Live 返回当前存活的单元数
func (p *SimulatedProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

func (p *SimulatedProvider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}
