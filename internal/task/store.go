package task

import (
	"context"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/monitor"
)

// Store 抽象异步任务的状态存储。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将任务置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result *monitor.ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, terminal bool) error
	List(ctx context.Context, limit int) ([]*Job, error)
	Close() error
}
