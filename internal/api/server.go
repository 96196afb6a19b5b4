package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/audit"
	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/monitor"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/observability/metrics"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/task"
	"AgentSwarm/pkg/logger"
)

// Registry 是 API 需要的注册表能力。
type Registry interface {
	Catalog() *agent.Catalog
	Admit(ctx context.Context, archetype agent.Archetype, opts ...registry.AdmitOption) (string, error)
	Get(id string) (agent.Instance, error)
	List(capability string) []agent.Instance
	Instances(states ...agent.State) []agent.Instance
	Transition(ctx context.Context, id string, event agent.Event) (agent.Instance, error)
	Counts() map[agent.State]int
}

// Tasks 是任务受理能力，由 task.Service 实现。
type Tasks interface {
	Submit(ctx context.Context, t agent.Task) (*monitor.ExecutionResult, error)
	Enqueue(ctx context.Context, t agent.Task) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
}

// Signals 管理系统级信号，由 mutation.Evaluator 实现。
type Signals interface {
	Raise(signal mutation.Signal) error
	Clear(signal mutation.Signal) error
	Signals() []mutation.Signal
}

// Gate 给出原型的准入判断。
type Gate interface {
	Validate(spec *agent.Spec) policy.Decision
}

// Dependencies 汇总 API 依赖的组件，Auth 为 nil 时不校验令牌。
type Dependencies struct {
	Registry Registry
	Tasks    Tasks
	Signals  Signals
	Audit    audit.Log
	Gate     Gate
	Auth     *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Dependencies
	taskTimeout     time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	corsOrigins     []string
	log             *slog.Logger
	engine          *gin.Engine
}

// Option 配置 Server。
type Option func(*Server)

// WithTaskTimeout 限制同步任务的执行时长。
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.taskTimeout = d
	}
}

// WithTimeouts 设置 HTTP 读写与优雅关闭的超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithCORS 允许指定来源的浏览器跨域访问，列表为空时不启用。
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或挂载到其他服务。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), observe(s.log))
	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.corsOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1", authenticate(s.deps.Auth))
	{
		v1.GET("/archetypes", s.listArchetypes)

		v1.POST("/agents", s.admit)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.POST("/agents/:id/events", s.transition)

		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/:id", s.getTask)

		v1.GET("/signals", s.listSignals)
		v1.POST("/signals/:signal", s.raiseSignal)
		v1.DELETE("/signals/:signal", s.clearSignal)

		v1.GET("/audit", s.listAudit)
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
