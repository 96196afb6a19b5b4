// Package mutation decides, from an instance's telemetry, whether it keeps
// running, transforms into a successor archetype or retires itself.
package mutation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// Signal 是由元原型或运维方发出的系统级信号。
type Signal string

const (
	SignalIntegrityThreat Signal = "integrity_threat"
	SignalCriticalEvent   Signal = "critical_event"
)

// Thresholds 是自毁判断的全局默认阈值，零值表示关闭该项检查。
type Thresholds struct {
	IdleAfter    time.Duration
	EntropyAbove float64
}

// Override 描述信号生效时强制执行的动作。Archetypes 为空时作用于所有原型。
type Override struct {
	Signal     Signal
	Action     agent.Action
	Target     agent.Archetype
	Archetypes []agent.Archetype
}

// Decision 是评估结果。
type Decision struct {
	Action   agent.Action    `json:"action"`
	Target   agent.Archetype `json:"target,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Override bool            `json:"override,omitempty"`
}

// MetaAuthority 报告当前是否存在存活的元原型实例。
type MetaAuthority interface {
	HasMetaAuthority() bool
}

// Evaluator 是变异评估器。除信号集合外无状态，可并发调用。
type Evaluator struct {
	defaults  Thresholds
	overrides []Override
	authority MetaAuthority

	mu      sync.RWMutex
	known   map[Signal]struct{}
	signals map[Signal]time.Time
}

// Option 配置 Evaluator。
type Option func(*Evaluator)

// WithOverrides 设置元原型覆盖规则，按声明顺序匹配。
func WithOverrides(overrides ...Override) Option {
	return func(e *Evaluator) {
		e.overrides = append(e.overrides, overrides...)
	}
}

// WithMetaAuthority 设置元原型存在性的查询方。
func WithMetaAuthority(authority MetaAuthority) Option {
	return func(e *Evaluator) {
		e.authority = authority
	}
}

// NewEvaluator 创建评估器。
func NewEvaluator(defaults Thresholds, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		defaults: defaults,
		known:    map[Signal]struct{}{SignalIntegrityThreat: {}, SignalCriticalEvent: {}},
		signals:  make(map[Signal]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for idx, override := range e.overrides {
		if override.Signal == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 条覆盖规则缺少 signal", idx))
		}
		switch override.Action {
		case agent.ActionMutate, agent.ActionSelfDestruct:
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("覆盖规则 %s 的动作 %q 不受支持", override.Signal, override.Action))
		}
		e.known[override.Signal] = struct{}{}
	}
	return e, nil
}

// SetMetaAuthority 在构建完成后绑定元原型查询方，用于打破与注册表的初始化依赖。
func (e *Evaluator) SetMetaAuthority(authority MetaAuthority) {
	e.mu.Lock()
	e.authority = authority
	e.mu.Unlock()
}

// Raise 置位信号。
func (e *Evaluator) Raise(signal Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.known[signal]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知信号: %s", signal))
	}
	if _, raised := e.signals[signal]; !raised {
		e.signals[signal] = time.Now()
	}
	return nil
}

// Clear 清除信号。
func (e *Evaluator) Clear(signal Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.known[signal]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知信号: %s", signal))
	}
	delete(e.signals, signal)
	return nil
}

// Signals 返回当前置位的信号，按名称排序。
func (e *Evaluator) Signals() []Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Signal, 0, len(e.signals))
	for signal := range e.signals {
		out = append(out, signal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate 依次检查元原型覆盖、触发器列表（首个命中生效）与自毁阈值。
func (e *Evaluator) Evaluate(inst agent.Instance, tel agent.Telemetry) Decision {
	spec := inst.Spec
	if spec == nil {
		return Decision{Action: agent.ActionNone}
	}

	if decision, ok := e.override(spec); ok {
		return decision
	}

	for idx, trigger := range spec.MutationTriggers {
		if !trigger.When.Eval(tel) {
			continue
		}
		name := trigger.Name
		if name == "" {
			name = fmt.Sprintf("trigger[%d]", idx)
		}
		decision := Decision{Action: trigger.Action, Trigger: name, Reason: trigger.When.String()}
		if trigger.Action == agent.ActionMutate {
			decision.Target = spec.TargetOf(trigger)
		}
		return decision
	}

	idleAfter := e.defaults.IdleAfter
	if spec.SelfDestruct.IdleAfter > 0 {
		idleAfter = spec.SelfDestruct.IdleAfter
	}
	if idleAfter > 0 && tel.IdleDuration > idleAfter {
		return Decision{Action: agent.ActionSelfDestruct, Reason: fmt.Sprintf("idle %s > %s", tel.IdleDuration, idleAfter)}
	}
	entropyAbove := e.defaults.EntropyAbove
	if spec.SelfDestruct.EntropyAbove > 0 {
		entropyAbove = spec.SelfDestruct.EntropyAbove
	}
	if entropyAbove > 0 && tel.EntropyScore > entropyAbove {
		return Decision{Action: agent.ActionSelfDestruct, Reason: fmt.Sprintf("entropy %.3f > %.3f", tel.EntropyScore, entropyAbove)}
	}
	return Decision{Action: agent.ActionNone}
}

func (e *Evaluator) override(spec *agent.Spec) (Decision, bool) {
	e.mu.RLock()
	authority := e.authority
	active := len(e.signals) > 0
	raised := make(map[Signal]struct{}, len(e.signals))
	for signal := range e.signals {
		raised[signal] = struct{}{}
	}
	e.mu.RUnlock()

	// 元原型实例自身不受覆盖影响。
	if !active || len(e.overrides) == 0 || spec.Meta || authority == nil || !authority.HasMetaAuthority() {
		return Decision{}, false
	}

	for _, override := range e.overrides {
		if _, ok := raised[override.Signal]; !ok {
			continue
		}
		if !appliesTo(override, spec.Type) {
			continue
		}
		decision := Decision{
			Action:   override.Action,
			Trigger:  string(override.Signal),
			Reason:   fmt.Sprintf("meta override on %s", override.Signal),
			Override: true,
		}
		if override.Action == agent.ActionMutate {
			target := override.Target
			if target == "" {
				target = spec.MutationTarget
			}
			if target == "" || target == spec.Type {
				continue
			}
			decision.Target = target
		}
		return decision, true
	}
	return Decision{}, false
}

func appliesTo(override Override, archetype agent.Archetype) bool {
	if len(override.Archetypes) == 0 {
		return true
	}
	for _, candidate := range override.Archetypes {
		if candidate == archetype {
			return true
		}
	}
	return false
}
