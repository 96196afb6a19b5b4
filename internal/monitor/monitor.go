// Package monitor dispatches a routed task to its instances in parallel,
// enforces each instance's runtime deadline and feeds the resulting
// telemetry back to the mutation evaluator.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/deploy"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/observability/metrics"
	"AgentSwarm/pkg/logger"
)

// Registry 是监控器需要的注册表能力。
type Registry interface {
	Get(id string) (agent.Instance, error)
	Handle(id string) (deploy.Handle, error)
	Release(ctx context.Context, id string, tel *agent.Telemetry)
	Retire(ctx context.Context, id, reason string) error
	Mutate(ctx context.Context, id string, target agent.Archetype) (string, error)
}

// Evaluator 根据遥测给出变异决策。
type Evaluator interface {
	Evaluate(inst agent.Instance, tel agent.Telemetry) mutation.Decision
}

// InstanceResult 是单个实例的执行结果。
type InstanceResult struct {
	InstanceID string            `json:"instance_id"`
	Archetype  agent.Archetype   `json:"archetype"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  xerrors.Code      `json:"error_code,omitempty"`
	Telemetry  agent.Telemetry   `json:"telemetry"`
	Decision   mutation.Decision `json:"decision"`
	Successor  string            `json:"successor,omitempty"`
}

// ExecutionResult 汇总一次任务在所有实例上的执行情况。部分失败不影响其他实例的结果。
type ExecutionResult struct {
	TaskID    string           `json:"task_id"`
	Results   []InstanceResult `json:"results"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// Succeeded 返回成功执行的实例数量。
func (r *ExecutionResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Error == "" {
			n++
		}
	}
	return n
}

// Monitor 执行任务并处理遥测。
type Monitor struct {
	registry  Registry
	evaluator Evaluator
	clock     func() time.Time
	log       *slog.Logger
}

// Option 配置 Monitor。
type Option func(*Monitor)

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New 创建监控器。
func New(registry Registry, evaluator Evaluator, opts ...Option) *Monitor {
	m := &Monitor{registry: registry, evaluator: evaluator, clock: time.Now, log: logger.Named("monitor")}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run 在 claimed 实例上并行执行任务。每个实例在返回前都会被释放。
func (m *Monitor) Run(ctx context.Context, task agent.Task, claimed []agent.Instance) *ExecutionResult {
	result := &ExecutionResult{TaskID: task.ID, Results: make([]InstanceResult, len(claimed))}
	// 实例之间的失败互不影响，因此不使用 errgroup.WithContext。
	var group errgroup.Group
	for idx := range claimed {
		group.Go(func() error {
			result.Results[idx] = m.runOne(ctx, task, claimed[idx])
			return nil
		})
	}
	_ = group.Wait()
	result.Cancelled = ctx.Err() != nil
	return result
}

func (m *Monitor) runOne(ctx context.Context, task agent.Task, inst agent.Instance) (res InstanceResult) {
	res = InstanceResult{InstanceID: inst.ID, Archetype: inst.Archetype()}
	var tel *agent.Telemetry
	defer func() {
		m.registry.Release(context.WithoutCancel(ctx), inst.ID, tel)
	}()

	start := m.clock()
	telemetry := agent.Telemetry{IdleDuration: nonNegative(start.Sub(inst.LastActivityAt))}

	handle, err := m.registry.Handle(inst.ID)
	if err != nil {
		finished := m.clock()
		telemetry.ExecutionLatency = finished.Sub(start)
		telemetry.CollectedAt = finished
		telemetry.FailureFlags = inst.FailureFlags + 1
		telemetry.TaskDensity = density(inst, finished)
		tel = &telemetry
		res.Telemetry = telemetry
		res.Error, res.ErrorCode = err.Error(), xerrors.CodeOf(err)
		metrics.ObserveExecution(string(inst.Archetype()), "error", telemetry.ExecutionLatency)
		return res
	}

	execCtx := ctx
	var cancel context.CancelFunc = func() {}
	deadline, limited := inst.Deadline()
	if limited {
		execCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	outcome, execErr := execute(execCtx, handle, task)
	deadlineHit := limited && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	finished := m.clock()
	telemetry.ExecutionLatency = finished.Sub(start)
	telemetry.CollectedAt = finished
	telemetry.FailureFlags = inst.FailureFlags
	if execErr == nil && !deadlineHit {
		outcome.Metrics.ApplyTo(&telemetry)
		res.Output = outcome.Output
		if outcome.Metrics.TaskDensity == nil {
			telemetry.TaskDensity = density(inst, finished)
		}
	} else {
		telemetry.FailureFlags++
		telemetry.TaskDensity = density(inst, finished)
		if execErr == nil {
			execErr = context.DeadlineExceeded
		}
		res.Error, res.ErrorCode = execErr.Error(), xerrors.CodeOf(execErr)
	}
	tel = &telemetry
	res.Telemetry = telemetry

	switch {
	case ctx.Err() != nil:
		// 调用方取消时不做评估，实例按原样释放。
		metrics.ObserveExecution(string(inst.Archetype()), "cancelled", telemetry.ExecutionLatency)
		return res
	case deadlineHit:
		res.Telemetry.Aborted = true
		telemetry.Aborted = true
		metrics.ObserveExecution(string(inst.Archetype()), "aborted", telemetry.ExecutionLatency)
		if err := m.registry.Retire(ctx, inst.ID, "aborted: runtime limit"); err != nil && !xerrors.HasCode(err, agent.CodeInvalidTransition) {
			m.log.Warn("超时实例退役失败", slog.String("instance_id", inst.ID), slog.Any("error", err))
		}
		m.log.Warn("实例超出运行时限，执行被中止",
			slog.String("instance_id", inst.ID),
			slog.String("task_id", task.ID),
			slog.Time("deadline", deadline))
		return res
	case execErr != nil:
		metrics.ObserveExecution(string(inst.Archetype()), "error", telemetry.ExecutionLatency)
	default:
		metrics.ObserveExecution(string(inst.Archetype()), "ok", telemetry.ExecutionLatency)
	}

	m.apply(ctx, &res, inst)
	return res
}

type execution struct {
	outcome deploy.Outcome
	err     error
}

// execute 在截止时间或取消时立即返回，不等待忽略 ctx 的句柄。
// done 带缓冲，晚到的结果不会阻塞执行协程。
func execute(ctx context.Context, handle deploy.Handle, task agent.Task) (deploy.Outcome, error) {
	done := make(chan execution, 1)
	go func() {
		outcome, err := handle.Execute(ctx, task)
		done <- execution{outcome: outcome, err: err}
	}()
	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return deploy.Outcome{}, ctx.Err()
	}
}

// apply 在实例释放前同步执行评估结果。
func (m *Monitor) apply(ctx context.Context, res *InstanceResult, inst agent.Instance) {
	if m.evaluator == nil {
		res.Decision = mutation.Decision{Action: agent.ActionNone}
		return
	}
	current, err := m.registry.Get(inst.ID)
	if err != nil || current.State != agent.StateActive {
		res.Decision = mutation.Decision{Action: agent.ActionNone}
		return
	}
	decision := m.evaluator.Evaluate(current, res.Telemetry)
	res.Decision = decision
	metrics.ObserveDecision(string(inst.Archetype()), string(decision.Action))

	switch decision.Action {
	case agent.ActionMutate:
		successor, err := m.registry.Mutate(ctx, inst.ID, decision.Target)
		if err != nil {
			m.log.Warn("变异未完成",
				slog.String("instance_id", inst.ID),
				slog.String("target", string(decision.Target)),
				slog.Any("error", err))
			return
		}
		res.Successor = successor
	case agent.ActionSelfDestruct:
		if err := m.registry.Retire(ctx, inst.ID, "self_destruct: "+decision.Reason); err != nil {
			m.log.Warn("自毁失败", slog.String("instance_id", inst.ID), slog.Any("error", err))
		}
	}
}

// density 以每分钟完成的任务数估计负载密度。
func density(inst agent.Instance, now time.Time) float64 {
	if inst.ActivatedAt.IsZero() {
		return 0
	}
	minutes := now.Sub(inst.ActivatedAt).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(inst.TasksHandled+1) / minutes
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
