// Package registry owns every agent instance in the swarm. All lifecycle
// transitions, task claims and retirements go through a single Registry,
// which serialises them under one lock and never holds that lock across
// calls to the policy gate, the limiter or the compute fabric.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/audit"
	"AgentSwarm/internal/deploy"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/observability/alerting"
	"AgentSwarm/internal/observability/metrics"
	"AgentSwarm/internal/policy"
	"AgentSwarm/pkg/logger"
)

// CodeInstanceNotFound 表示实例不存在或已经退役。
const CodeInstanceNotFound xerrors.Code = "INSTANCE_NOT_FOUND"

func init() {
	xerrors.Register(CodeInstanceNotFound, xerrors.Attributes{
		Message:   "instance not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ErrInstanceNotFound 可与 errors.Is 配合使用。
var ErrInstanceNotFound = xerrors.New(CodeInstanceNotFound, "instance not found")

// Gate 是准入规则的求值方。
type Gate interface {
	Validate(spec *agent.Spec) policy.Decision
}

// Deployer 把实例部署到计算平台。
type Deployer interface {
	Deploy(ctx context.Context, desc deploy.Descriptor) (deploy.Handle, error)
}

type entry struct {
	inst        agent.Instance
	handle      deploy.Handle
	reservation limiter.Reservation
	// reason 记录进入 Retiring/Retired 的原因，最终化时写入审计。
	reason    string
	telemetry *agent.Telemetry
	// expired 标记变异期间已超出运行时限。
	expired string
}

// finalization 是在锁外执行的退役收尾工作。
type finalization struct {
	inst      agent.Instance
	handle    deploy.Handle
	reason    string
	telemetry *agent.Telemetry
}

// Registry 是实例的唯一所有者。
type Registry struct {
	catalog  *agent.Catalog
	gate     Gate
	limiter  limiter.Limiter
	deployer Deployer
	audit    audit.Log
	alerts   alerting.Dispatcher
	clock    func() time.Time
	log      *slog.Logger

	idleTimeout   time.Duration
	spawnAttempts uint
	spawnInitial  time.Duration
	spawnMax      time.Duration

	mu        sync.Mutex
	instances map[string]*entry
	rejected  map[string]policy.Decision
}

// Option 配置 Registry。
type Option func(*Registry)

// WithAuditLog 设置审计日志，默认使用内存实现。
func WithAuditLog(log audit.Log) Option {
	return func(r *Registry) {
		if log != nil {
			r.audit = log
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(r *Registry) {
		r.alerts = dispatcher
	}
}

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIdleTimeout 设置 Sweep 判定空闲退役的全局阈值，原型的 self_destruct.idle_after 优先。
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithSpawnBackoff 配置变异派生在 RATE_LIMITED 时的重试。
func WithSpawnBackoff(attempts int, initial, max time.Duration) Option {
	return func(r *Registry) {
		if attempts > 0 {
			r.spawnAttempts = uint(attempts)
		}
		if initial > 0 {
			r.spawnInitial = initial
		}
		if max > 0 {
			r.spawnMax = max
		}
	}
}

// New 创建注册表。
func New(catalog *agent.Catalog, gate Gate, lim limiter.Limiter, deployer Deployer, opts ...Option) (*Registry, error) {
	if catalog == nil || gate == nil || lim == nil || deployer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "registry 依赖未完整配置")
	}
	r := &Registry{
		catalog:       catalog,
		gate:          gate,
		limiter:       lim,
		deployer:      deployer,
		audit:         audit.NewMemoryLog(),
		clock:         time.Now,
		log:           logger.Named("registry"),
		spawnAttempts: 3,
		spawnInitial:  500 * time.Millisecond,
		spawnMax:      5 * time.Second,
		instances:     make(map[string]*entry),
		rejected:      make(map[string]policy.Decision),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Catalog 返回注册表使用的原型目录。
func (r *Registry) Catalog() *agent.Catalog {
	return r.catalog
}

// AdmitOption 配置单次准入。
type AdmitOption func(*admitOptions)

type admitOptions struct {
	parentID string
}

// WithParent 标记新实例由 parentID 派生，派生时间会记入父实例的复制窗口。
func WithParent(parentID string) AdmitOption {
	return func(o *admitOptions) {
		o.parentID = parentID
	}
}

// Admit 按 预留名额 → Pending → 准入检查 → 部署 → Active 的顺序创建实例。
func (r *Registry) Admit(ctx context.Context, archetype agent.Archetype, opts ...AdmitOption) (string, error) {
	var o admitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	spec, err := r.catalog.Get(archetype)
	if err != nil {
		return "", err
	}

	fingerprint := policy.Fingerprint(spec)
	r.mu.Lock()
	cached, wasRejected := r.rejected[fingerprint]
	r.mu.Unlock()
	if wasRejected {
		metrics.ObserveAdmission(string(spec.Type), "rejected")
		return "", cached.Err(spec)
	}

	reservation, err := r.limiter.TryReserve(ctx, spec.Type, spec.Replication)
	metrics.ObserveReservation(string(spec.Type), err == nil)
	if err != nil {
		if xerrors.HasCode(err, limiter.CodeRateLimited) {
			metrics.ObserveAdmission(string(spec.Type), "rate_limited")
		}
		return "", err
	}

	now := r.clock()
	id := uuid.NewString()
	r.mu.Lock()
	r.instances[id] = &entry{
		inst: agent.Instance{
			ID:             id,
			ParentID:       o.parentID,
			Spec:           spec,
			State:          agent.StatePending,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		reservation: reservation,
	}
	r.mu.Unlock()
	metrics.ObserveTransition(string(spec.Type), "", string(agent.StatePending))

	decision := r.gate.Validate(spec)
	if !decision.Admitted {
		r.mu.Lock()
		r.rejected[fingerprint] = decision
		r.mu.Unlock()
		r.abandon(ctx, id, spec, reservation)
		metrics.ObserveAdmission(string(spec.Type), "rejected")
		r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventRejected,
			Reason: fmt.Sprintf("%s: %s", decision.Rule, decision.Reason)})
		r.log.Warn("原型未通过准入",
			slog.String("instance_id", id),
			slog.String("archetype", string(spec.Type)),
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason))
		return "", decision.Err(spec)
	}

	handle, err := r.deployer.Deploy(ctx, deploy.DescriptorFor(id, spec))
	if err != nil {
		r.abandon(ctx, id, spec, reservation)
		metrics.ObserveAdmission(string(spec.Type), "deployment_failed")
		r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventDeploymentFailed, Reason: err.Error()})
		r.alert(ctx, err, id, spec.Type)
		return "", err
	}

	r.mu.Lock()
	e, ok := r.instances[id]
	if !ok || e.inst.State != agent.StatePending {
		r.mu.Unlock()
		_ = handle.Release(context.WithoutCancel(ctx))
		r.abandon(ctx, id, spec, reservation)
		r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventRejected, Reason: "rejected during admission"})
		return "", xerrors.New(xerrors.CodeConflict, fmt.Sprintf("实例 %s 在准入期间被拒绝", id))
	}
	next, _ := agent.Next(agent.StatePending, agent.EventActivate)
	activatedAt := r.clock()
	e.inst.State = next
	e.inst.ActivatedAt = activatedAt
	e.inst.LastActivityAt = activatedAt
	e.handle = handle
	if parent, ok := r.instances[o.parentID]; ok {
		parent.inst.ReplicationWindow = recordSpawn(parent.inst.ReplicationWindow, activatedAt, parent.inst.Spec.Replication.Window)
	}
	r.mu.Unlock()

	metrics.ObserveTransition(string(spec.Type), string(agent.StatePending), string(next))
	metrics.ObserveAdmission(string(spec.Type), "admitted")
	r.appendAudit(ctx, audit.Record{InstanceID: id, Archetype: spec.Type, Event: audit.EventActivated, Reason: parentReason(o.parentID)})
	r.log.Info("实例已激活",
		slog.String("instance_id", id),
		slog.String("archetype", string(spec.Type)),
		slog.String("handle", handle.ID()),
		slog.String("parent_id", o.parentID))
	return id, nil
}

// abandon 移除准入失败的 Pending 实例并归还名额。
func (r *Registry) abandon(ctx context.Context, id string, spec *agent.Spec, reservation limiter.Reservation) {
	r.mu.Lock()
	e, existed := r.instances[id]
	pending := existed && e.inst.State == agent.StatePending
	delete(r.instances, id)
	r.mu.Unlock()
	if pending {
		metrics.ObserveTransition(string(spec.Type), string(agent.StatePending), string(agent.StateRetired))
	}
	if err := r.limiter.Release(context.WithoutCancel(ctx), reservation); err != nil {
		r.log.Warn("归还复制名额失败", slog.String("instance_id", id), slog.Any("error", err))
	}
}

// Get 返回实例快照。已退役或未知的实例返回 INSTANCE_NOT_FOUND。
func (r *Registry) Get(id string) (agent.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(id)
	if !ok {
		return agent.Instance{}, notFound(id)
	}
	return snapshot(e), nil
}

// Handle 返回实例在计算平台上的句柄。
func (r *Registry) Handle(id string) (deploy.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(id)
	if !ok || e.handle == nil {
		return nil, notFound(id)
	}
	return e.handle, nil
}

// List 返回具备 capability 的 Active 实例，capability 为空时返回全部 Active 实例。
func (r *Registry) List(capability string) []agent.Instance {
	return r.collect(func(inst agent.Instance) bool {
		return inst.State == agent.StateActive && (capability == "" || inst.Spec.HasCapability(capability))
	})
}

// Instances 返回所有未退役实例，可按状态过滤。
func (r *Registry) Instances(states ...agent.State) []agent.Instance {
	return r.collect(func(inst agent.Instance) bool {
		if len(states) == 0 {
			return true
		}
		for _, s := range states {
			if inst.State == s {
				return true
			}
		}
		return false
	})
}

func (r *Registry) collect(match func(agent.Instance) bool) []agent.Instance {
	r.mu.Lock()
	out := make([]agent.Instance, 0, len(r.instances))
	for _, e := range r.instances {
		if e.inst.State == agent.StateRetired {
			continue
		}
		if match(e.inst) {
			out = append(out, snapshot(e))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasMetaAuthority 判断是否存在 Active 的元原型实例。
func (r *Registry) HasMetaAuthority() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.instances {
		if e.inst.State == agent.StateActive && e.inst.Spec.Meta {
			return true
		}
	}
	return false
}

func (r *Registry) live(id string) (*entry, bool) {
	e, ok := r.instances[id]
	if !ok || e.inst.State == agent.StateRetired {
		return nil, false
	}
	return e, true
}

func snapshot(e *entry) agent.Instance {
	inst := e.inst
	inst.ReplicationWindow = append([]time.Time(nil), e.inst.ReplicationWindow...)
	return inst
}

func notFound(id string) error {
	return xerrors.New(CodeInstanceNotFound, fmt.Sprintf("实例 %s 不存在", id), xerrors.WithMetadata("instance_id", id))
}

func parentReason(parentID string) string {
	if parentID == "" {
		return ""
	}
	return "spawned by " + parentID
}

// recordSpawn 追加派生时间并丢弃窗口外的记录。
func recordSpawn(window []time.Time, at time.Time, span time.Duration) []time.Time {
	window = append(window, at)
	if span <= 0 {
		return window
	}
	keep := window[:0]
	for _, ts := range window {
		if at.Sub(ts) < span {
			keep = append(keep, ts)
		}
	}
	return keep
}

func (r *Registry) appendAudit(ctx context.Context, rec audit.Record) {
	if err := r.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Error("写入审计记录失败",
			slog.String("instance_id", rec.InstanceID),
			slog.String("event", string(rec.Event)),
			slog.Any("error", err))
		r.alert(ctx, err, rec.InstanceID, rec.Archetype)
	}
}

func (r *Registry) alert(ctx context.Context, err error, instanceID string, archetype agent.Archetype) {
	if r.alerts == nil {
		return
	}
	event, ok := alerting.FromError(err, instanceID, string(archetype))
	if !ok {
		return
	}
	if notifyErr := r.alerts.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		r.log.Warn("告警发送失败", slog.Any("error", notifyErr))
	}
}
