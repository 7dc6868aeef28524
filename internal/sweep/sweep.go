// Package sweep 过期票据后台清理
package sweep

import (
	"context"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
)

// Config 清理任务配置
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StartDelay time.Duration `mapstructure:"start_delay"`
}

// Registry 清理任务依赖的注册中心能力
type Registry interface {
	Stream(ctx context.Context, predicate registry.Predicate) iter.Seq2[model.Ticket, error]
	IsAlive(ctx context.Context, t model.Ticket) bool
	Reap(ctx context.Context, id string) (bool, error)
}

// Cleaner 周期性清理过期票据
type Cleaner struct {
	registry Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewCleaner 创建清理任务
func NewCleaner(reg Registry, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{registry: reg, cfg: cfg, logger: logger.Named("sweep"), metrics: m}
}

// Run 阻塞执行，直到 ctx 取消
func (c *Cleaner) Run(ctx context.Context) {
	if c.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.StartDelay):
		}
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("票据清理失败", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			c.logger.Info("票据清理任务已停止")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 执行一轮清理，返回删除条数
// 扫描到的候选票据会重新读取并按策略复核，复核或删除失败的跳过
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	removed := 0

	for t, err := range c.registry.Stream(ctx, registry.IgnoreExpiry) {
		if err != nil {
			return removed, err
		}
		if c.registry.IsAlive(ctx, t) {
			continue
		}
		ok, err := c.registry.Reap(ctx, t.GetID())
		if err != nil {
			c.logger.Error("清理票据失败", zap.String("type", t.GetType()), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}

	duration := time.Since(start)
	c.metrics.SweepFinished(removed, duration)
	c.logger.Info("票据清理完成", zap.Int("removed", removed), zap.Duration("duration", duration))
	return removed, nil
}
