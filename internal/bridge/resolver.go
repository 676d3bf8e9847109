package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"computeruse/internal/apperr"
	"computeruse/internal/cache"
	"computeruse/internal/inference"
	"computeruse/internal/resilience"
)

// Resolver 把自然语言目标解析为具体动作：缓存 -> 推理服务 -> 回写缓存
type Resolver struct {
	cache    *cache.Cache
	provider inference.Provider
	exec     *resilience.Executor
	logger   *slog.Logger
}

func NewResolver(c *cache.Cache, provider inference.Provider, exec *resilience.Executor, logger *slog.Logger) *Resolver {
	return &Resolver{
		cache:    c,
		provider: provider,
		exec:     exec,
		logger:   logger.With("component", "goal-resolver"),
	}
}

type Resolution struct {
	Fingerprint string
	Decision    inference.Decision
	Confidence  float64
	Cached      bool
}

// Resolve 缓存命中时不调用推理服务。推理失败统一包装为 ErrInferenceUnavailable，熔断保持 ErrCircuitOpen。
func (r *Resolver) Resolve(ctx context.Context, goal string, frame Frame) (Resolution, error) {
	fp := cache.Fingerprint(frame.PNG, goal)
	if d, ok := r.cache.Get(ctx, fp); ok {
		return Resolution{Fingerprint: fp, Decision: d, Cached: true}, nil
	}

	res, err := resilience.Call(ctx, r.exec, func(ctx context.Context) (*inference.Result, error) {
		return r.provider.Decide(ctx, inference.Request{
			Goal:       goal,
			Screenshot: frame.PNG,
			Width:      frame.Width,
			Height:     frame.Height,
		})
	})
	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return Resolution{}, err
		}
		if !errors.Is(err, apperr.ErrInferenceUnavailable) {
			err = fmt.Errorf("%w: %w", apperr.ErrInferenceUnavailable, err)
		}
		return Resolution{}, err
	}

	if r.cache.Put(ctx, fp, res.Decision, res.Confidence, 0) {
		r.logger.Debug("Cached inference decision", "fingerprint", fp, "action", res.Decision.Action, "confidence", res.Confidence)
	}
	return Resolution{Fingerprint: fp, Decision: res.Decision, Confidence: res.Confidence}, nil
}

// Forget 删除一条经执行校验发现不可用的缓存结果
func (r *Resolver) Forget(ctx context.Context, fingerprint string) {
	r.cache.Invalidate(ctx, fingerprint)
}
