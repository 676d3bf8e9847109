package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/monitor"
)

type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Backoff 返回第 attempt 次（从 1 开始）失败后等待时长的上限：
// min(MaxDelay, BaseDelay * 2^(attempt-1))
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Executor 将一个依赖调用包裹在重试和熔断之中
type Executor struct {
	name      string
	policy    Policy
	breaker   *Breaker
	exhausted error
	logger    *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

type Option func(*Executor)

// WithExhaustedError 指定重试耗尽时包装的哨兵错误，如 apperr.ErrProvisioningFailed
func WithExhaustedError(err error) Option {
	return func(e *Executor) { e.exhausted = err }
}

// WithSleep 替换等待函数，测试中用于跳过真实等待
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithJitter 替换抖动函数
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

func NewExecutor(name string, policy Policy, breaker *Breaker, logger *slog.Logger, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		name:    name,
		policy:  policy,
		breaker: breaker,
		logger:  logger.With("component", "resilience", "dependency", name),
		sleep:   sleepCtx,
		jitter:  fullJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Breaker() *Breaker { return e.breaker }

// Do 执行 op，可重试失败按指数退避 + full jitter 重试，
// 不可重试失败在第一次就返回，熔断器打开时不调用 op 直接失败。
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.finalErr(err, lastErr)
		}

		if e.breaker != nil {
			if err := e.breaker.Allow(); err != nil {
				if lastErr != nil {
					return fmt.Errorf("%w (last error: %v)", err, lastErr)
				}
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.Success()
			}
			return nil
		}

		if !IsRetryable(err) || ctx.Err() != nil {
			if e.breaker != nil {
				e.breaker.Release()
			}
			return err
		}

		if e.breaker != nil {
			e.breaker.Failure()
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.jitter(e.policy.Backoff(attempt))
		monitor.RetryAttempts.WithLabelValues(e.name).Inc()
		e.logger.Warn("Retryable failure, backing off",
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return e.finalErr(err, lastErr)
		}
	}

	if e.exhausted != nil {
		return fmt.Errorf("%w: %s failed after %d attempts: %w", e.exhausted, e.name, e.policy.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", e.name, e.policy.MaxAttempts, lastErr)
}

// Call 是带返回值的 Do
func Call[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) finalErr(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}

// IsCircuitOpen 判断 err 是否来自熔断器拒绝
func IsCircuitOpen(err error) bool {
	return errors.Is(err, apperr.ErrCircuitOpen)
}

func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
