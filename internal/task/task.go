package task

import (
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/monitor"
)

// Status 表示异步任务在受理流程中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Envelope 是写入队列的 JSON 任务信封。
type Envelope struct {
	Task       agent.Task `json:"task"`
	Attempts   int        `json:"attempts"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Job 记录一次异步提交的进度与结果。
type Job struct {
	ID         string                   `json:"id"`
	Task       agent.Task               `json:"task"`
	Status     Status                   `json:"status"`
	Attempts   int                      `json:"attempts"`
	MaxRetries int                      `json:"max_retries"`
	LastError  string                   `json:"last_error,omitempty"`
	ErrorCode  string                   `json:"error_code,omitempty"`
	Result     *monitor.ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64                    `json:"created_at"`
	UpdatedAt  int64                    `json:"updated_at"`
}

// Terminal 判断任务是否已结束。
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "task already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Task.RequiredCapabilities = append([]string(nil), job.Task.RequiredCapabilities...)
	if job.Result != nil {
		result := *job.Result
		result.Results = append([]monitor.InstanceResult(nil), job.Result.Results...)
		clone.Result = &result
	}
	return &clone
}
