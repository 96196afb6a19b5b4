package api

import (
	"context"
	stdErrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/deploy"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/limiter"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
	"AgentSwarm/internal/router"
	"AgentSwarm/internal/task"
)

// errorBody 是统一的错误响应。
type errorBody struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, registry.CodeInstanceNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case policy.CodePolicyRejected:
		return http.StatusUnprocessableEntity
	case xerrors.CodeConflict, agent.CodeInvalidTransition, task.CodeTaskConflict:
		return http.StatusConflict
	case limiter.CodeRateLimited:
		return http.StatusTooManyRequests
	case router.CodeNoCapableAgent, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case deploy.CodeDeploymentFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if e, ok := xerrors.From(err); ok {
		c.JSON(statusOf(e.Code()), gin.H{"error": errorBody{
			Code:      e.Code(),
			Message:   err.Error(),
			Retryable: e.Retryable(),
			Metadata:  e.Metadata(),
		}})
		return
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": errorBody{Code: xerrors.CodeTimeout, Message: err.Error(), Retryable: true}})
	case stdErrors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": errorBody{Code: xerrors.CodeCancelled, Message: err.Error()}})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{Code: xerrors.CodeUnknown, Message: err.Error()}})
	}
}

func badRequest(c *gin.Context, message string) {
	writeError(c, xerrors.New(xerrors.CodeInvalidArgument, message))
}
