// Package control runs the periodic housekeeping of the swarm: retiring
// instances past their runtime limit or idle timeout and pruning the audit
// log to its retention window.
package control

import (
	"context"
	"log/slog"
	"time"

	"AgentSwarm/pkg/logger"
)

// Sweeper 退役到期实例，由注册表实现。
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) []string
}

// Pruner 删除早于 before 的审计记录。
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Report 是一轮巡检的结果。
type Report struct {
	Swept  []string
	Pruned int64
}

// Loop 定期执行巡检。
type Loop struct {
	sweeper   Sweeper
	pruner    Pruner
	retention time.Duration
	interval  time.Duration
	clock     func() time.Time
	log       *slog.Logger
}

// Option 配置 Loop。
type Option func(*Loop)

// WithInterval 设置巡检间隔，默认 5 秒。
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithAuditRetention 启用审计日志保留策略，retention 为 0 时不清理。
func WithAuditRetention(pruner Pruner, retention time.Duration) Option {
	return func(l *Loop) {
		l.pruner = pruner
		l.retention = retention
	}
}

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New 创建巡检循环。
func New(sweeper Sweeper, opts ...Option) *Loop {
	l := &Loop{sweeper: sweeper, interval: 5 * time.Second, clock: time.Now, log: logger.Named("control")}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Tick 执行一轮巡检。
func (l *Loop) Tick(ctx context.Context) Report {
	now := l.clock()
	var report Report
	if l.sweeper != nil {
		report.Swept = l.sweeper.Sweep(ctx, now)
		if len(report.Swept) > 0 {
			l.log.Info("巡检退役实例", slog.Int("count", len(report.Swept)), slog.Any("instance_ids", report.Swept))
		}
	}
	if l.pruner != nil && l.retention > 0 {
		pruned, err := l.pruner.Prune(ctx, now.Add(-l.retention))
		if err != nil {
			l.log.Warn("清理审计日志失败", slog.Any("error", err))
		}
		report.Pruned = pruned
		if pruned > 0 {
			l.log.Debug("清理过期审计记录", slog.Int64("count", pruned), slog.Duration("retention", l.retention))
		}
	}
	return report
}

// Run 按间隔执行巡检直到 ctx 取消。
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}
