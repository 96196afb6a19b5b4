package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/api"
	"AgentSwarm/internal/audit"
	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/config"
	"AgentSwarm/internal/control"
	"AgentSwarm/internal/deploy"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/monitor"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/observability/alerting"
	"AgentSwarm/internal/observability/metrics"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/router"
	"AgentSwarm/internal/task"
	"AgentSwarm/pkg/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane API, the task workers and the housekeeping loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("swarmd")

	lim, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer lim.Close()

	auditLog, err := newAuditLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	alerts := alerting.NewFanout(notifiers...)

	fabric, err := newFabric(cfg)
	if err != nil {
		return err
	}
	deployer := deploy.NewDeployer(fabric,
		deploy.WithMaxAttempts(cfg.Deployment.Retry.MaxAttempts),
		deploy.WithBackoff(cfg.Deployment.Retry.InitialBackoff.Std(), cfg.Deployment.Retry.MaxBackoff.Std()),
		deploy.WithTimeout(cfg.Deployment.Timeout.Std()),
	)

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	gate, err := policy.NewGate(cfg.Rules())
	if err != nil {
		return err
	}
	evaluator, err := mutation.NewEvaluator(cfg.Thresholds(), mutation.WithOverrides(cfg.Overrides()...))
	if err != nil {
		return err
	}

	reg, err := registry.New(catalog, gate, lim, deployer,
		registry.WithAuditLog(auditLog),
		registry.WithAlerts(alerts),
		registry.WithIdleTimeout(cfg.Registry.IdleTimeout.Std()),
		registry.WithSpawnBackoff(cfg.Registry.SpawnRetry.MaxAttempts,
			cfg.Registry.SpawnRetry.InitialBackoff.Std(), cfg.Registry.SpawnRetry.MaxBackoff.Std()),
	)
	if err != nil {
		return err
	}
	evaluator.SetMetaAuthority(reg)

	serviceOpts := []task.ServiceOption{
		task.WithAutoscale(reg, task.AutoscaleConfig{
			Enabled:     cfg.Autoscale.Enabled,
			MaxAttempts: cfg.Autoscale.Retry.MaxAttempts,
			Initial:     cfg.Autoscale.Retry.InitialBackoff.Std(),
			Max:         cfg.Autoscale.Retry.MaxBackoff.Std(),
		}),
	}
	queue, err := newQueue(ctx, cfg)
	if err != nil {
		return err
	}
	var store task.Store
	if queue != nil {
		if store, err = newJobStore(ctx, cfg); err != nil {
			_ = queue.Close()
			return err
		}
		serviceOpts = append(serviceOpts, task.WithQueue(store, queue, cfg.Queue.MaxRetries))
	}
	service := task.NewService(router.New(reg), monitor.New(reg, evaluator), serviceOpts...)
	defer service.Close()

	for _, boot := range cfg.Bootstrap {
		for i := 0; i < boot.Count; i++ {
			id, err := reg.Admit(ctx, agent.Archetype(boot.Archetype))
			if err != nil {
				log.Warn("启动准入失败", slog.String("archetype", boot.Archetype), slog.Any("error", err))
				break
			}
			log.Info("启动准入完成", slog.String("archetype", boot.Archetype), slog.String("instance_id", id))
		}
	}

	authSvc, err := auth.NewService(cfg.AuthConfig())
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Registry: reg,
		Tasks:    service,
		Signals:  evaluator,
		Audit:    auditLog,
		Gate:     gate,
		Auth:     authSvc,
	},
		api.WithTaskTimeout(cfg.Monitor.TaskTimeout.Std()),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
		api.WithCORS(cfg.Server.CORSOrigins),
	)

	loop := control.New(reg,
		control.WithInterval(cfg.Registry.SweepInterval.Std()),
		control.WithAuditRetention(auditLog, cfg.Audit.Retention.Std()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCancel(server.Start(groupCtx)) })
	group.Go(func() error { return ignoreCancel(loop.Run(groupCtx)) })
	if queue != nil {
		processor := task.NewProcessor(service, store, queue, queue,
			task.WithWorkerCount(cfg.Queue.Workers),
			task.WithProcessorLogger(logger.Named("processor")),
			task.WithAlertDispatcher(alerts),
		)
		group.Go(func() error { return ignoreCancel(processor.Start(groupCtx)) })
	}
	if cfg.Metrics.Enabled {
		group.Go(func() error { return ignoreCancel(metrics.StartServer(groupCtx, cfg.Metrics.Address)) })
	}

	err = group.Wait()
	retireAll(context.WithoutCancel(ctx), reg, log)
	return err
}

// retireAll 在退出前退役所有存活实例，释放计算平台上的句柄。
func retireAll(ctx context.Context, reg *registry.Registry, log *slog.Logger) {
	for _, inst := range reg.Instances(agent.StateActive) {
		if err := reg.Retire(ctx, inst.ID, registry.ReasonOperator); err != nil {
			log.Warn("退出时退役实例失败", slog.String("instance_id", inst.ID), slog.Any("error", err))
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLimiter(ctx context.Context, cfg *config.Config) (limiter.Limiter, error) {
	switch cfg.Limiter.Driver {
	case "memory":
		return limiter.NewMemoryLimiter(), nil
	case "redis":
		return limiter.NewRedisLimiter(ctx, limiter.RedisConfig{
			Address:   cfg.Limiter.Redis.Address,
			Password:  cfg.Limiter.Redis.Password,
			DB:        cfg.Limiter.Redis.DB,
			KeyPrefix: cfg.Limiter.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的限流驱动: %s", cfg.Limiter.Driver)
	}
}

func newAuditLog(ctx context.Context, cfg *config.Config) (audit.Log, error) {
	switch cfg.Audit.Driver {
	case "memory":
		return audit.NewMemoryLog(), nil
	case "mysql":
		return audit.NewMySQLLog(ctx, cfg.Audit.MySQL.Storage())
	default:
		return nil, fmt.Errorf("未知的审计驱动: %s", cfg.Audit.Driver)
	}
}

func newFabric(cfg *config.Config) (deploy.Fabric, error) {
	switch cfg.Deployment.Fabric {
	case "local":
		return deploy.NewLocalFabric(), nil
	case "http":
		return deploy.NewHTTPFabric(deploy.HTTPConfig{
			Endpoint: cfg.Deployment.HTTP.Endpoint,
			Token:    cfg.HTTPToken(),
			Timeout:  cfg.Deployment.HTTP.Timeout.Std(),
		}, nil)
	default:
		return nil, fmt.Errorf("未知的计算平台: %s", cfg.Deployment.Fabric)
	}
}

func newJobStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Queue.Store.Driver {
	case "memory":
		return task.NewMemoryStore(cfg.Queue.Store.Capacity), nil
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.Queue.Store.MySQL.Storage())
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Queue.Store.Driver)
	}
}

// newQueue 按驱动创建异步任务队列，driver 为 none 时返回 nil。
func newQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "none":
		return nil, nil
	case "memory":
		return task.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	case "nats":
		return task.NewNATSQueue(task.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			Subject:    cfg.Queue.NATS.Subject,
			QueueGroup: cfg.Queue.NATS.QueueGroup,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
