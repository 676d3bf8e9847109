// Package cache 是推理结果的两级缓存：进程内 LRU 热层 + 持久层（Redis）。
// 读取永远不会让调用方失败，持久层故障退化为未命中。
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"computeruse/internal/digest"
	"computeruse/internal/inference"
	"computeruse/internal/monitor"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Entry struct {
	Fingerprint string             `json:"fingerprint"`
	Decision    inference.Decision `json:"decision"`
	Confidence  float64            `json:"confidence"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// Store 是持久层。Get 未命中时返回 (nil, nil)。
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Set(ctx context.Context, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

type Config struct {
	HotTTL              time.Duration
	HotSize             int
	DurableTTL          time.Duration
	ConfidenceThreshold float64
}

type Stats struct {
	Hits          int64   `json:"hits"`
	HotHits       int64   `json:"hot_hits"`
	DurableHits   int64   `json:"durable_hits"`
	Misses        int64   `json:"misses"`
	Skipped       int64   `json:"skipped_low_confidence"`
	DurableErrors int64   `json:"durable_errors"`
	HitRate       float64 `json:"hit_rate"`
	HotEntries    int     `json:"hot_entries"`
}

type Cache struct {
	cfg     Config
	hot     *expirable.LRU[string, Entry]
	durable Store
	now     func() time.Time
	logger  *slog.Logger

	hotHits       atomic.Int64
	durableHits   atomic.Int64
	misses        atomic.Int64
	skipped       atomic.Int64
	durableErrors atomic.Int64
}

type Option func(*Cache)

// WithClock 注入时钟，过期判断以该时钟为准
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New 创建缓存；durable 为 nil 时只有热层
func New(cfg Config, durable Store, logger *slog.Logger, opts ...Option) *Cache {
	if cfg.HotSize < 1 {
		cfg.HotSize = 1024
	}
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = 5 * time.Minute
	}
	if cfg.DurableTTL <= 0 {
		cfg.DurableTTL = 24 * time.Hour
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	c := &Cache{
		cfg:     cfg,
		hot:     expirable.NewLRU[string, Entry](cfg.HotSize, nil, cfg.HotTTL),
		durable: durable,
		now:     time.Now,
		logger:  logger.With("component", "inference-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint 计算 (屏幕, 目标) 的缓存键。目标做大小写与空白归一化。
func Fingerprint(screen []byte, goal string) string {
	return digest.Fingerprint(screen, normalizeGoal(goal)).String()
}

func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// Get 先查热层，未命中再查持久层；持久层命中会回填热层
func (c *Cache) Get(ctx context.Context, fingerprint string) (inference.Decision, bool) {
	now := c.now()

	if e, ok := c.hot.Get(fingerprint); ok {
		if now.Before(e.ExpiresAt) {
			c.hotHits.Add(1)
			monitor.CacheHits.WithLabelValues("hot").Inc()
			return e.Decision, true
		}
		c.hot.Remove(fingerprint)
	}

	if c.durable != nil {
		e, err := c.durable.Get(ctx, fingerprint)
		if err != nil {
			c.durableErrors.Add(1)
			monitor.CacheDurableErrors.Inc()
			c.logger.Warn("Durable cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
		} else if e != nil && now.Before(e.ExpiresAt) {
			c.durableHits.Add(1)
			monitor.CacheHits.WithLabelValues("durable").Inc()
			promoted := *e
			if hotExp := now.Add(c.cfg.HotTTL); hotExp.Before(promoted.ExpiresAt) {
				promoted.ExpiresAt = hotExp
			}
			c.hot.Add(fingerprint, promoted)
			return e.Decision, true
		}
	}

	c.misses.Add(1)
	monitor.CacheMisses.Inc()
	return inference.Decision{}, false
}

// Put 写入两层。置信度低于阈值时不写入，返回 false。
// ttl <= 0 时使用持久层默认 TTL。
func (c *Cache) Put(ctx context.Context, fingerprint string, decision inference.Decision, confidence float64, ttl time.Duration) bool {
	if confidence < c.cfg.ConfidenceThreshold {
		c.skipped.Add(1)
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.DurableTTL
	}

	now := c.now()
	entry := Entry{
		Fingerprint: fingerprint,
		Decision:    decision,
		Confidence:  confidence,
		ExpiresAt:   now.Add(ttl),
	}

	hotEntry := entry
	if hotExp := now.Add(c.cfg.HotTTL); hotExp.Before(hotEntry.ExpiresAt) {
		hotEntry.ExpiresAt = hotExp
	}
	c.hot.Add(fingerprint, hotEntry)

	if c.durable != nil {
		if err := c.durable.Set(ctx, entry, ttl); err != nil {
			c.durableErrors.Add(1)
			monitor.CacheDurableErrors.Inc()
			c.logger.Warn("Durable cache write failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return true
}

// Invalidate 从两层删除
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) {
	c.hot.Remove(fingerprint)
	if c.durable != nil {
		if err := c.durable.Delete(ctx, fingerprint); err != nil {
			c.durableErrors.Add(1)
			c.logger.Warn("Durable cache delete failed", "fingerprint", fingerprint, "error", err)
		}
	}
}

func (c *Cache) Stats() Stats {
	s := Stats{
		HotHits:       c.hotHits.Load(),
		DurableHits:   c.durableHits.Load(),
		Misses:        c.misses.Load(),
		Skipped:       c.skipped.Load(),
		DurableErrors: c.durableErrors.Load(),
		HotEntries:    c.hot.Len(),
	}
	s.Hits = s.HotHits + s.DurableHits
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
