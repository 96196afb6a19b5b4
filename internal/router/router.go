// Package router selects which live instances receive a task.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// CodeNoCapableAgent 表示没有足够的空闲实例满足任务所需能力。
const CodeNoCapableAgent xerrors.Code = "NO_CAPABLE_AGENT"

func init() {
	xerrors.Register(CodeNoCapableAgent, xerrors.Attributes{
		Message:   "no capable agent available",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// ErrNoCapableAgent 可与 errors.Is 配合使用。
var ErrNoCapableAgent = xerrors.New(CodeNoCapableAgent, "no capable agent available")

// Claimer 原子地挑选并占用实例，由注册表实现。
type Claimer interface {
	Reserve(match func(agent.Instance) bool, pick func([]agent.Instance) []agent.Instance) []agent.Instance
}

// Router 是无状态的路由器。
type Router struct {
	claimer Claimer
}

// New 创建路由器。
func New(claimer Claimer) *Router {
	return &Router{claimer: claimer}
}

// Route 选出 task.Width() 个能力覆盖任务需求的空闲实例并占用它们。
// 选择顺序为：处理任务数少者优先，其次激活时间早者，最后按 ID。
func (r *Router) Route(ctx context.Context, task agent.Task) ([]agent.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width := task.Width()
	match := func(inst agent.Instance) bool {
		return inst.Spec.Covers(task.RequiredCapabilities)
	}
	pick := func(candidates []agent.Instance) []agent.Instance {
		if len(candidates) < width {
			return nil
		}
		Order(candidates)
		return candidates[:width]
	}
	claimed := r.claimer.Reserve(match, pick)
	if len(claimed) < width {
		return nil, xerrors.New(CodeNoCapableAgent,
			fmt.Sprintf("任务 %s 需要 %d 个具备 [%s] 的空闲实例", task.ID, width, strings.Join(task.RequiredCapabilities, ",")),
			xerrors.WithMetadata("task_id", task.ID))
	}
	return claimed, nil
}

// Order 按负载、激活时间与 ID 排序候选实例。
func Order(candidates []agent.Instance) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.TasksHandled != b.TasksHandled {
			return a.TasksHandled < b.TasksHandled
		}
		if !a.ActivatedAt.Equal(b.ActivatedAt) {
			return a.ActivatedAt.Before(b.ActivatedAt)
		}
		return a.ID < b.ID
	})
}
