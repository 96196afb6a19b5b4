package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// WorkFunc 在进程内执行任务，必须响应 ctx 取消。
type WorkFunc func(ctx context.Context, desc Descriptor, task agent.Task) (Outcome, error)

// EchoWork 原样返回任务负载。
func EchoWork(ctx context.Context, _ Descriptor, task agent.Task) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	output := task.Payload
	if len(output) == 0 {
		output = json.RawMessage(`null`)
	}
	return Outcome{Output: output}, nil
}

// LocalFabric 把实例“部署”为进程内的工作函数，适用于单机运行与测试。
type LocalFabric struct {
	mu       sync.Mutex
	work     map[agent.Archetype]WorkFunc
	fallback WorkFunc
	live     map[string]*localHandle
}

// LocalOption 配置 LocalFabric。
type LocalOption func(*LocalFabric)

// WithWork 为指定原型注册工作函数。
func WithWork(archetype agent.Archetype, fn WorkFunc) LocalOption {
	return func(f *LocalFabric) {
		if fn != nil {
			f.work[archetype] = fn
		}
	}
}

// WithDefaultWork 替换未注册原型使用的工作函数。
func WithDefaultWork(fn WorkFunc) LocalOption {
	return func(f *LocalFabric) {
		if fn != nil {
			f.fallback = fn
		}
	}
}

// NewLocalFabric 创建本地平台。
func NewLocalFabric(opts ...LocalOption) *LocalFabric {
	f := &LocalFabric{
		work:     make(map[agent.Archetype]WorkFunc),
		fallback: EchoWork,
		live:     make(map[string]*localHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Deploy 实现 Fabric。
func (f *LocalFabric) Deploy(ctx context.Context, desc Descriptor) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if desc.InstanceID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "部署描述缺少 instance_id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.work[desc.Archetype]
	if !ok {
		fn = f.fallback
	}
	h := &localHandle{id: "local-" + uuid.NewString(), desc: desc, fn: fn, fabric: f}
	f.live[h.id] = h
	return h, nil
}

// Live 返回尚未释放的句柄数量。
func (f *LocalFabric) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type localHandle struct {
	id     string
	desc   Descriptor
	fn     WorkFunc
	fabric *LocalFabric
}

func (h *localHandle) ID() string { return h.id }

func (h *localHandle) Execute(ctx context.Context, task agent.Task) (Outcome, error) {
	h.fabric.mu.Lock()
	_, live := h.fabric.live[h.id]
	h.fabric.mu.Unlock()
	if !live {
		return Outcome{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("句柄 %s 已释放", h.id))
	}
	return h.fn(ctx, h.desc, task)
}

func (h *localHandle) Release(context.Context) error {
	h.fabric.mu.Lock()
	delete(h.fabric.live, h.id)
	h.fabric.mu.Unlock()
	return nil
}
