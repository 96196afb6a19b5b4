package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/audit"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/observability/metrics"
)

// 退役原因。
const (
	ReasonRuntimeLimit = "runtime_limit"
	ReasonIdle         = "idle_timeout"
	ReasonSelfDestruct = "self_destruct"
	ReasonAborted      = "aborted"
	ReasonOperator     = "operator"
)

// Transition 对实例应用一个生命周期事件。Pending 实例归准入流程所有，只接受 reject。
// mutate 走完整的变异流程并返回后继实例；mutation_complete、mutation_abort 与 retired
// 只由注册表内部产生，外部提交时返回 INVALID_TRANSITION。
func (r *Registry) Transition(ctx context.Context, id string, event agent.Event) (agent.Instance, error) {
	if !agent.IsValidEvent(event) {
		return agent.Instance{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知事件: %s", event))
	}
	switch event {
	case agent.EventMutationComplete, agent.EventMutationAbort, agent.EventRetired:
		return agent.Instance{}, xerrors.New(agent.CodeInvalidTransition,
			fmt.Sprintf("事件 %s 只能由注册表内部触发", event),
			xerrors.WithMetadata("event", string(event)))
	case agent.EventMutate:
		successor, err := r.Mutate(ctx, id, "")
		if err != nil {
			return agent.Instance{}, err
		}
		return r.Get(successor)
	}

	r.mu.Lock()
	e, ok := r.live(id)
	if !ok {
		r.mu.Unlock()
		return agent.Instance{}, notFound(id)
	}
	if e.inst.State == agent.StatePending && event != agent.EventReject {
		r.mu.Unlock()
		return agent.Instance{}, xerrors.New(agent.CodeInvalidTransition,
			fmt.Sprintf("实例 %s 正在准入，不接受事件 %s", id, event),
			xerrors.WithMetadata("state", string(e.inst.State)),
			xerrors.WithMetadata("event", string(event)))
	}
	from := e.inst.State
	if err := r.apply(e, event, ReasonOperator); err != nil {
		r.mu.Unlock()
		return agent.Instance{}, err
	}
	var fin *finalization
	if from != agent.StatePending {
		// 被拒绝的 Pending 实例由 Admit 负责清理与归还名额。
		fin = r.settle(e)
	}
	snap := snapshot(e)
	r.mu.Unlock()

	r.finish(ctx, fin)
	return snap, nil
}

// apply 在持锁状态下推进状态机。
func (r *Registry) apply(e *entry, event agent.Event, reason string) error {
	from := e.inst.State
	to, err := agent.Next(from, event)
	if err != nil {
		return err
	}
	e.inst.State = to
	if to == agent.StateRetiring || to == agent.StateRetired {
		if e.reason == "" {
			e.reason = reason
		}
	}
	metrics.ObserveTransition(string(e.inst.Archetype()), string(from), string(to))
	r.log.Debug("生命周期迁移",
		slog.String("instance_id", e.inst.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event", string(event)))
	return nil
}

// settle 在实例空闲时完成退役：Retiring 推进为 Retired 并从注册表移除。
func (r *Registry) settle(e *entry) *finalization {
	if e.inst.Busy {
		return nil
	}
	switch e.inst.State {
	case agent.StateRetiring:
		if err := r.apply(e, agent.EventRetired, e.reason); err != nil {
			return nil
		}
	case agent.StateRetired:
	default:
		return nil
	}
	delete(r.instances, e.inst.ID)
	return &finalization{inst: snapshot(e), handle: e.handle, reason: e.reason, telemetry: e.telemetry}
}

// finish 在锁外释放句柄并写入审计记录。
func (r *Registry) finish(ctx context.Context, fin *finalization) {
	if fin == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if fin.handle != nil {
		if err := fin.handle.Release(ctx); err != nil {
			r.log.Warn("释放实例句柄失败", slog.String("instance_id", fin.inst.ID), slog.Any("error", err))
		}
	}
	r.appendAudit(ctx, audit.Record{
		InstanceID: fin.inst.ID,
		Archetype:  fin.inst.Archetype(),
		Event:      audit.EventRetired,
		Reason:     fin.reason,
		Telemetry:  fin.telemetry,
	})
	r.log.Info("实例已退役",
		slog.String("instance_id", fin.inst.ID),
		slog.String("archetype", string(fin.inst.Archetype())),
		slog.String("reason", fin.reason),
		slog.Int("tasks_handled", fin.inst.TasksHandled))
}

// Reserve 原子地挑选并占用空闲的 Active 实例。pick 返回 nil 时不占用任何实例。
func (r *Registry) Reserve(match func(agent.Instance) bool, pick func([]agent.Instance) []agent.Instance) []agent.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]agent.Instance, 0, len(r.instances))
	for _, e := range r.instances {
		if e.inst.State != agent.StateActive || e.inst.Busy {
			continue
		}
		if match == nil || match(e.inst) {
			candidates = append(candidates, snapshot(e))
		}
	}
	chosen := candidates
	if pick != nil {
		chosen = pick(candidates)
	}
	claimed := make([]agent.Instance, 0, len(chosen))
	for _, inst := range chosen {
		e, ok := r.instances[inst.ID]
		if !ok || e.inst.State != agent.StateActive || e.inst.Busy {
			continue
		}
		e.inst.Busy = true
		claimed = append(claimed, snapshot(e))
	}
	return claimed
}

// Release 归还 Reserve 占用的实例并记录遥测。被推迟的退役在此完成。
func (r *Registry) Release(ctx context.Context, id string, tel *agent.Telemetry) {
	r.mu.Lock()
	e, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.inst.Busy = false
	if tel != nil {
		copied := *tel
		e.telemetry = &copied
		e.inst.TasksHandled++
		e.inst.FailureFlags = tel.FailureFlags
		if at := tel.CollectedAt; !at.IsZero() {
			e.inst.LastActivityAt = at
		} else {
			e.inst.LastActivityAt = r.clock()
		}
	}
	fin := r.settle(e)
	r.mu.Unlock()

	r.finish(ctx, fin)
}

// Retire 将 Active 实例转入 Retiring，空闲时立即完成退役。
func (r *Registry) Retire(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	e, ok := r.live(id)
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if err := r.apply(e, agent.EventRetire, reason); err != nil {
		r.mu.Unlock()
		return err
	}
	e.reason = reason
	archetype := e.inst.Archetype()
	fin := r.settle(e)
	r.mu.Unlock()

	r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: archetype, Event: audit.EventRetiring, Reason: reason})
	r.finish(ctx, fin)
	return nil
}

// Mutate 派生 target 原型的后继实例并退役原实例。派生失败时原实例回到 Active。
func (r *Registry) Mutate(ctx context.Context, id string, target agent.Archetype) (string, error) {
	r.mu.Lock()
	e, ok := r.live(id)
	if !ok {
		r.mu.Unlock()
		return "", notFound(id)
	}
	spec := e.inst.Spec
	if target == "" {
		target = spec.MutationTarget
	}
	if target == "" || target == spec.Type {
		r.mu.Unlock()
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 未定义有效的变异目标", spec.Type))
	}
	if _, err := r.catalog.Get(target); err != nil {
		r.mu.Unlock()
		return "", err
	}
	if err := r.apply(e, agent.EventMutate, ""); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()

	r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventMutationStarted, Reason: "target " + string(target)})

	successor, err := r.spawn(ctx, id, target)
	if err != nil {
		var (
			expired string
			fin     *finalization
		)
		r.mu.Lock()
		if e, ok := r.instances[id]; ok {
			_ = r.apply(e, agent.EventMutationAbort, "")
			// 变异期间超出运行时限的实例恢复后立即退役。
			if expired = e.expired; expired != "" {
				if r.apply(e, agent.EventRetire, expired) == nil {
					e.reason = expired
					fin = r.settle(e)
				} else {
					expired = ""
				}
			}
		}
		r.mu.Unlock()
		r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventMutationAborted, Reason: err.Error()})
		if expired != "" {
			r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventRetiring, Reason: expired})
			r.finish(ctx, fin)
		}
		r.log.Warn("变异失败",
			slog.String("instance_id", id),
			slog.String("target", string(target)),
			slog.Bool("retired", expired != ""),
			slog.Any("error", err))
		return "", err
	}

	r.mu.Lock()
	var fin *finalization
	if e, ok := r.instances[id]; ok {
		e.reason = fmt.Sprintf("mutated into %s (%s)", target, successor)
		if err := r.apply(e, agent.EventMutationComplete, e.reason); err == nil {
			fin = r.settle(e)
		}
	}
	r.mu.Unlock()

	r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventMutated, Reason: "successor " + successor})
	r.finish(ctx, fin)
	return successor, nil
}

// spawn 在 RATE_LIMITED 时按指数退避重试准入。
func (r *Registry) spawn(ctx context.Context, parentID string, target agent.Archetype) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.spawnInitial
	policy.MaxInterval = r.spawnMax

	return backoff.Retry(ctx, func() (string, error) {
		successor, err := r.Admit(ctx, target, WithParent(parentID))
		if err == nil {
			return successor, nil
		}
		if xerrors.HasCode(err, limiter.CodeRateLimited) {
			return "", err
		}
		return "", backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(r.spawnAttempts))
}

// Sweep 退役超出运行时限或空闲超时的 Active 实例，并完成遗留的 Retiring 实例。
// 返回本次进入退役流程的实例 ID。
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	var (
		swept []string
		fins  []*finalization
		recs  []audit.Record
	)
	r.mu.Lock()
	for id, e := range r.instances {
		switch e.inst.State {
		case agent.StateActive:
			reason := r.expiry(e.inst, now)
			if reason == "" {
				continue
			}
			if err := r.apply(e, agent.EventRetire, reason); err != nil {
				continue
			}
			e.reason = reason
			swept = append(swept, id)
			recs = append(recs, audit.Record{InstanceID: id, Archetype: e.inst.Archetype(), Event: audit.EventRetiring, Reason: reason})
			if fin := r.settle(e); fin != nil {
				fins = append(fins, fin)
			}
		case agent.StateMutating:
			// 变异结束前无法退役：完成时实例本就退役，中止时由 Mutate 按 expired 退役。
			if e.expired != "" {
				continue
			}
			if deadline, ok := e.inst.Deadline(); ok && !now.Before(deadline) {
				e.expired = ReasonRuntimeLimit
				swept = append(swept, id)
			}
		case agent.StateRetiring:
			if fin := r.settle(e); fin != nil {
				fins = append(fins, fin)
			}
		}
	}
	r.mu.Unlock()

	for _, rec := range recs {
		r.appendAudit(ctx, rec)
	}
	for _, fin := range fins {
		r.finish(ctx, fin)
	}
	return swept
}

func (r *Registry) expiry(inst agent.Instance, now time.Time) string {
	if deadline, ok := inst.Deadline(); ok && !now.Before(deadline) {
		return ReasonRuntimeLimit
	}
	if inst.Busy {
		return ""
	}
	idle := r.idleTimeout
	if inst.Spec.SelfDestruct.IdleAfter > 0 {
		idle = inst.Spec.SelfDestruct.IdleAfter
	}
	if idle > 0 && now.Sub(inst.LastActivityAt) > idle {
		return ReasonIdle
	}
	return ""
}

// Counts 返回各状态的实例数量。
func (r *Registry) Counts() map[agent.State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[agent.State]int)
	for _, e := range r.instances {
		counts[e.inst.State]++
	}
	return counts
}
