package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/monitor"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/router"
	"AgentSwarm/pkg/logger"
)

// Router 选出并占用执行任务的实例。
type Router interface {
	Route(ctx context.Context, task agent.Task) ([]agent.Instance, error)
}

// Runner 在已占用的实例上执行任务。
type Runner interface {
	Run(ctx context.Context, task agent.Task, claimed []agent.Instance) *monitor.ExecutionResult
}

// Fleet 是自动扩容需要的注册表能力。
type Fleet interface {
	Catalog() *agent.Catalog
	Instances(states ...agent.State) []agent.Instance
	Admit(ctx context.Context, archetype agent.Archetype, opts ...registry.AdmitOption) (string, error)
}

// AutoscaleConfig 控制无可用实例时的自动准入。
type AutoscaleConfig struct {
	Enabled     bool
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (c AutoscaleConfig) withDefaults() AutoscaleConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = 200 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Second
	}
	return c
}

// Service 负责任务的同步执行与异步受理。
type Service struct {
	router     Router
	runner     Runner
	fleet      Fleet
	autoscale  AutoscaleConfig
	store      Store
	producer   Producer
	maxRetries int
	log        *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithAutoscale 在路由失败时按需准入覆盖所需能力的原型。
func WithAutoscale(fleet Fleet, cfg AutoscaleConfig) ServiceOption {
	return func(s *Service) {
		s.fleet = fleet
		s.autoscale = cfg.withDefaults()
	}
}

// WithQueue 启用异步受理。
func WithQueue(store Store, producer Producer, maxRetries int) ServiceOption {
	return func(s *Service) {
		s.store = store
		s.producer = producer
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
	}
}

// NewService 构造任务服务。
func NewService(r Router, runner Runner, opts ...ServiceOption) *Service {
	s := &Service{router: r, runner: runner, maxRetries: 3, log: logger.Named("task")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func normalise(task agent.Task) (agent.Task, error) {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	caps := make([]string, 0, len(task.RequiredCapabilities))
	for _, capability := range task.RequiredCapabilities {
		if capability = strings.TrimSpace(capability); capability != "" {
			caps = append(caps, capability)
		}
	}
	if len(caps) == 0 {
		return task, xerrors.New(CodeTaskValidation, "任务必须声明至少一项所需能力")
	}
	if task.FanOut < 0 {
		return task, xerrors.New(CodeTaskValidation, "fan_out 不能为负")
	}
	task.RequiredCapabilities = caps
	return task, nil
}

// Submit 同步执行任务：路由、执行并返回各实例的结果。
// 没有可用实例时返回 NO_CAPABLE_AGENT，自动扩容受复制上限阻止时返回 RATE_LIMITED。
func (s *Service) Submit(ctx context.Context, task agent.Task) (*monitor.ExecutionResult, error) {
	if s.router == nil || s.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	task, err := normalise(task)
	if err != nil {
		return nil, err
	}
	claimed, err := s.route(ctx, task)
	if err != nil {
		return nil, err
	}
	result := s.runner.Run(ctx, task, claimed)
	s.log.Info("任务执行完成",
		slog.String("task_id", task.ID),
		slog.Int("instances", len(result.Results)),
		slog.Int("succeeded", result.Succeeded()),
		slog.Bool("cancelled", result.Cancelled))
	return result, nil
}

func (s *Service) route(ctx context.Context, task agent.Task) ([]agent.Instance, error) {
	claimed, err := s.router.Route(ctx, task)
	if err == nil || s.fleet == nil || !s.autoscale.Enabled || !xerrors.HasCode(err, router.CodeNoCapableAgent) {
		return claimed, err
	}
	covering := s.fleet.Catalog().Covering(task.RequiredCapabilities)
	if len(covering) == 0 {
		return nil, err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.autoscale.Initial
	retry.MaxInterval = s.autoscale.Max
	return backoff.Retry(ctx, func() ([]agent.Instance, error) {
		if scaleErr := s.scaleUp(ctx, task, covering); scaleErr != nil {
			if xerrors.HasCode(scaleErr, limiter.CodeRateLimited) {
				return nil, scaleErr
			}
			return nil, backoff.Permanent(scaleErr)
		}
		claimed, routeErr := s.router.Route(ctx, task)
		if routeErr != nil && !xerrors.HasCode(routeErr, router.CodeNoCapableAgent) {
			return nil, backoff.Permanent(routeErr)
		}
		return claimed, routeErr
	}, backoff.WithBackOff(retry), backoff.WithMaxTries(uint(s.autoscale.MaxAttempts)))
}

// scaleUp 为缺少的实例数量准入覆盖能力的原型，依次尝试 covering 中的原型。
func (s *Service) scaleUp(ctx context.Context, task agent.Task, covering []*agent.Spec) error {
	idle := 0
	for _, inst := range s.fleet.Instances(agent.StateActive) {
		if !inst.Busy && inst.Spec.Covers(task.RequiredCapabilities) {
			idle++
		}
	}
	missing := task.Width() - idle
	if missing <= 0 {
		return nil
	}

	var limited, lastErr error
	for missing > 0 {
		admitted := false
		for _, spec := range covering {
			id, err := s.fleet.Admit(ctx, spec.Type)
			if err != nil {
				lastErr = err
				if xerrors.HasCode(err, limiter.CodeRateLimited) {
					limited = err
				}
				if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
					return err
				}
				continue
			}
			s.log.Info("自动扩容准入实例",
				slog.String("task_id", task.ID),
				slog.String("archetype", string(spec.Type)),
				slog.String("instance_id", id))
			admitted = true
			missing--
			break
		}
		if !admitted {
			break
		}
	}
	if missing == 0 {
		return nil
	}
	if limited != nil {
		return limited
	}
	if lastErr == nil || xerrors.HasCode(lastErr, policy.CodePolicyRejected) {
		return xerrors.New(router.CodeNoCapableAgent,
			fmt.Sprintf("没有可准入的原型能满足任务 %s", task.ID),
			xerrors.WithRetryable(false))
	}
	return lastErr
}

// Enqueue 创建异步任务并推送到队列。重复提交相同 ID 时返回已有任务。
func (s *Service) Enqueue(ctx context.Context, task agent.Task) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "异步任务队列未配置")
	}
	task, err := normalise(task)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.Get(ctx, task.ID); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	job := &Job{ID: task.ID, Task: task, Status: StatusQueued, MaxRetries: s.maxRetries}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			return s.store.Get(ctx, task.ID)
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, Envelope{Task: task, EnqueuedAt: time.Now().UTC()}); err != nil {
		s.log.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("capabilities", strings.Join(task.RequiredCapabilities, ",")),
		slog.Int("fan_out", task.Width()),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回异步任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近的异步任务。
func (s *Service) List(ctx context.Context, limit int) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, limit)
}

// WaitUntilCompleted 轮询直到异步任务结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.producer != nil {
		err = stdErrors.Join(err, s.producer.Close())
	}
	return err
}
