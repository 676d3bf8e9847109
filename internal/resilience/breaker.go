package resilience

import (
	"fmt"
	"sync"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/monitor"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type BreakerConfig struct {
	Threshold int           // 连续失败达到该值后打开
	CoolDown  time.Duration // OPEN 持续时间，之后允许一次试探
}

// Snapshot 是某一时刻的熔断器状态
type Snapshot struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Breaker 是单个依赖的熔断器，进程内共享，并发安全。
// HALF_OPEN 下同一时刻只放行一次试探调用。
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	b := &Breaker{name: name, cfg: cfg, now: now, state: StateClosed}
	monitor.BreakerState.WithLabelValues(name).Set(0)
	return b
}

func (b *Breaker) Name() string { return b.name }

// Allow 判断是否可以调用依赖。拒绝时返回包装了 apperr.ErrCircuitOpen 的错误。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return b.rejectLocked()
		}
		b.setStateLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return b.rejectLocked()
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Success 记录一次成功调用：关闭熔断器并清零计数
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
		b.openedAt = time.Time{}
	}
}

// Failure 记录一次可重试失败
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		// 试探失败，重新计时
		b.trialInFlight = false
		b.openedAt = b.now()
		b.setStateLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.openedAt = b.now()
			b.setStateLocked(StateOpen)
		}
	}
}

// Release 在调用结果不反映依赖健康度时使用（调用方取消、参数错误等），
// 不改变计数，只释放 HALF_OPEN 的试探名额。
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) rejectLocked() error {
	monitor.BreakerRejections.WithLabelValues(b.name).Inc()
	return fmt.Errorf("%s breaker %s: %w", b.name, b.state, apperr.ErrCircuitOpen)
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	var v float64
	switch s {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	monitor.BreakerState.WithLabelValues(b.name).Set(v)
}

// Registry 按依赖名维护熔断器，同名依赖共享同一个实例
type Registry struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig, now func() time.Time) *Registry {
	return &Registry{cfg: cfg, now: now, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.now)
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
