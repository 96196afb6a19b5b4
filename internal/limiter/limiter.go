// Package limiter enforces per-archetype replication limits over a sliding
// window. Reservations are taken before an instance is materialized and
// released again when admission fails.
package limiter

import (
	"context"
	"fmt"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// CodeRateLimited 表示原型在当前窗口内已达到复制上限。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "replication limit reached",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// ErrRateLimited 可与 errors.Is 配合使用。
var ErrRateLimited = xerrors.New(CodeRateLimited, "replication limit reached")

// Reservation 代表窗口中占用的一个名额。
type Reservation struct {
	Archetype agent.Archetype
	Token     string
	At        time.Time
}

// Empty 判断预留是否未占用任何名额，例如原型未设置上限时。
func (r Reservation) Empty() bool {
	return r.Token == ""
}

// Limiter 是复制速率限制器的抽象，实现必须保证并发安全。
type Limiter interface {
	TryReserve(ctx context.Context, archetype agent.Archetype, policy agent.Replication) (Reservation, error)
	Release(ctx context.Context, reservation Reservation) error
	Close() error
}

// Clock 返回当前时间，测试时可替换。
type Clock func() time.Time

// Option 配置限流器。
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock 替换时间来源。
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func rateLimited(archetype agent.Archetype, policy agent.Replication) error {
	return xerrors.New(CodeRateLimited,
		fmt.Sprintf("原型 %s 在 %s 内已派生 %d 次", archetype, policy.Window, policy.Limit),
		xerrors.WithMetadata("archetype", string(archetype)))
}
