package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/monitor"
	"AgentSwarm/internal/observability/alerting"
	"AgentSwarm/pkg/logger"
)

// Executor 定义了处理器所需的同步执行能力，由 Service 实现。
type Executor interface {
	Submit(ctx context.Context, task agent.Task) (*monitor.ExecutionResult, error)
}

// Processor 负责从队列消费任务信封并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, env Envelope) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, env.Task.ID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", env.Task.ID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", env.Task.ID))
		p.emitAlert(ctx, &Job{ID: env.Task.ID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Submit(ctx, job.Task)
	if execErr == nil && result.Succeeded() == 0 && len(result.Results) > 0 {
		// 重试期间不告警，重试耗尽时由终态路径统一告警。
		execErr = xerrors.New(CodeTaskProcessing, fmt.Sprintf("任务 %s 在全部 %d 个实例上失败", job.ID, len(result.Results)),
			xerrors.WithAlert(false))
	}
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, env, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", job.ID))
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("succeeded", result.Succeeded()),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, env Envelope, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	switch {
	case retryable && terminal:
		exhausted := xerrors.Wrap(xerrors.CodeRetriesExhausted, execErr,
			fmt.Sprintf("任务 %s 尝试 %d 次后仍失败", job.ID, job.Attempts))
		p.emitAlert(ctx, job, xerrors.CodeRetriesExhausted, exhausted, "exhausted")
	case terminal:
		p.emitAlert(ctx, job, code, execErr, "terminal")
	case xerrors.ShouldAlert(execErr):
		p.emitAlert(ctx, job, code, execErr, "retry")
	}

	if retryable && !terminal {
		env.Attempts = job.Attempts
		env.EnqueuedAt = time.Now().UTC()
		if pubErr := p.producer.Publish(ctx, env); pubErr != nil {
			_ = p.store.MarkFailed(ctx, job.ID, CodeTaskPublish, pubErr.Error(), true)
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:     code,
		Message:  message,
		Severity: attrs.Severity,
		Metadata: map[string]string{
			"stage":       stage,
			"task_id":     job.ID,
			"attempts":    fmt.Sprint(job.Attempts),
			"max_retries": fmt.Sprint(job.MaxRetries),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
