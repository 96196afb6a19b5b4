// Package audit keeps the append-only record of instance lifecycle events.
// Every record is mirrored to the structured audit logger.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"AgentSwarm/internal/agent"
	"AgentSwarm/pkg/logger"
)

// Event 是审计事件类型。
type Event string

const (
	EventAdmitted         Event = "admitted"
	EventRejected         Event = "rejected"
	EventDeploymentFailed Event = "deployment_failed"
	EventActivated        Event = "activated"
	EventMutationStarted  Event = "mutation_started"
	EventMutationAborted  Event = "mutation_aborted"
	EventMutated          Event = "mutated"
	EventRetiring         Event = "retiring"
	EventRetired          Event = "retired"
	EventAborted          Event = "aborted"
)

// Record 是一条审计记录。
type Record struct {
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	InstanceID string           `json:"instance_id"`
	Archetype  agent.Archetype  `json:"archetype"`
	Event      Event            `json:"event"`
	Reason     string           `json:"reason,omitempty"`
	Telemetry  *agent.Telemetry `json:"telemetry,omitempty"`
}

// Query 描述列表过滤条件，零值表示不过滤。
type Query struct {
	InstanceID string
	Event      Event
	Since      time.Time
	Limit      int
}

const defaultListLimit = 100

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return defaultListLimit
	}
	return q.Limit
}

func (q Query) matches(rec Record) bool {
	if q.InstanceID != "" && rec.InstanceID != q.InstanceID {
		return false
	}
	if q.Event != "" && rec.Event != q.Event {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Log 是审计日志的抽象。List 按时间倒序返回。
type Log interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, query Query) ([]Record, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// prepare 补全 ID 与时间戳。
func prepare(rec *Record, now func() time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now().UTC()
	}
}

func mirror(rec Record) {
	attrs := []any{
		slog.String("audit_id", rec.ID),
		slog.String("instance_id", rec.InstanceID),
		slog.String("archetype", string(rec.Archetype)),
		slog.String("event", string(rec.Event)),
		slog.Time("timestamp", rec.Timestamp),
	}
	if rec.Reason != "" {
		attrs = append(attrs, slog.String("reason", rec.Reason))
	}
	if rec.Telemetry != nil {
		attrs = append(attrs, slog.Any("telemetry", rec.Telemetry))
	}
	logger.Audit().Info("swarm_audit", attrs...)
}
