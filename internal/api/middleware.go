package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/observability/metrics"
	"AgentSwarm/pkg/logger"
)

// observe 记录请求耗时与状态码。
func observe(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.ObserveHTTPRequest(route, c.Request.Method, status, elapsed)
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "http 请求",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed))
	}
}

// authenticate 校验访问令牌，GET 请求需要读权限，其余需要写权限。
func authenticate(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svc.Enabled() {
			c.Next()
			return
		}
		required := auth.PermissionWrite
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			required = auth.PermissionRead
		}
		subject, err := svc.AuthenticateRequest(c.GetHeader("Authorization"))
		if err == nil {
			err = subject.Authorize(required)
		}
		if err != nil {
			logger.Audit().Warn("access_denied",
				slog.String("path", c.Request.URL.Path),
				slog.String("method", c.Request.Method),
				slog.Any("error", err))
			writeError(c, err)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(auth.WithSubject(c.Request.Context(), subject))
		c.Next()
	}
}
