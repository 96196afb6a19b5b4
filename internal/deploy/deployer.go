package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/pkg/logger"
)

// Deployer 在可重试的失败上以指数退避重复调用 Fabric。
type Deployer struct {
	fabric      Fabric
	maxAttempts uint
	initial     time.Duration
	maxInterval time.Duration
	timeout     time.Duration
}

// Option 配置 Deployer。
type Option func(*Deployer)

// WithMaxAttempts 设置最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(d *Deployer) {
		if n > 0 {
			d.maxAttempts = uint(n)
		}
	}
}

// WithBackoff 设置退避的初始与最大间隔。
func WithBackoff(initial, max time.Duration) Option {
	return func(d *Deployer) {
		if initial > 0 {
			d.initial = initial
		}
		if max > 0 {
			d.maxInterval = max
		}
	}
}

// WithTimeout 限制单次部署调用的耗时。
func WithTimeout(timeout time.Duration) Option {
	return func(d *Deployer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDeployer 创建部署器。
func NewDeployer(fabric Fabric, opts ...Option) *Deployer {
	d := &Deployer{
		fabric:      fabric,
		maxAttempts: 3,
		initial:     200 * time.Millisecond,
		maxInterval: 5 * time.Second,
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Deploy 部署实例。不可重试的错误立即返回，其余错误耗尽重试后返回 DEPLOYMENT_FAILURE。
func (d *Deployer) Deploy(ctx context.Context, desc Descriptor) (Handle, error) {
	if d == nil || d.fabric == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署平台未配置")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initial
	policy.MaxInterval = d.maxInterval

	attempt := 0
	handle, err := backoff.Retry(ctx, func() (Handle, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		h, err := d.fabric.Deploy(callCtx, desc)
		if err == nil {
			return h, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(d.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.L().Warn("部署失败，准备重试",
				slog.String("instance_id", desc.InstanceID),
				slog.String("archetype", string(desc.Archetype)),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	)
	if err == nil {
		return handle, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeCancelled, ctxErr, "部署被取消")
	}
	if xerrors.HasCode(err, CodeDeploymentFailure) {
		return nil, err
	}
	return nil, xerrors.Wrap(CodeDeploymentFailure, err,
		fmt.Sprintf("实例 %s 部署失败，共尝试 %d 次", desc.InstanceID, attempt),
		xerrors.WithMetadata("archetype", string(desc.Archetype)))
}

// retryable 判断错误是否值得重试，未分类的错误视为瞬时错误。
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Retryable()
	}
	return true
}
