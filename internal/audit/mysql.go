package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
	storage "AgentSwarm/internal/storage/mysql"
)

// MySQLLog 将审计记录写入 audit_events 表。
type MySQLLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLLog 连接 MySQL、执行迁移并返回审计日志。
func NewMySQLLog(ctx context.Context, cfg storage.Config) (*MySQLLog, error) {
	db, err := storage.OpenAndMigrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewMySQLLogWithDB(db), nil
}

// NewMySQLLogWithDB 使用已迁移的连接构造审计日志。
func NewMySQLLogWithDB(db *sql.DB) *MySQLLog {
	return &MySQLLog{db: db, now: time.Now}
}

const insertEventSQL = `INSERT INTO audit_events
    (id, occurred_at, instance_id, archetype, event, reason, telemetry)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// Append 实现 Log。
func (l *MySQLLog) Append(ctx context.Context, rec Record) error {
	prepare(&rec, l.now)
	var telemetry sql.NullString
	if rec.Telemetry != nil {
		encoded, err := json.Marshal(rec.Telemetry)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码遥测失败")
		}
		telemetry = sql.NullString{String: string(encoded), Valid: true}
	}
	if _, err := l.db.ExecContext(ctx, insertEventSQL,
		rec.ID,
		rec.Timestamp.UnixMilli(),
		rec.InstanceID,
		string(rec.Archetype),
		string(rec.Event),
		rec.Reason,
		telemetry,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	mirror(rec)
	return nil
}

// List 实现 Log。
func (l *MySQLLog) List(ctx context.Context, query Query) ([]Record, error) {
	stmt, args := buildListQuery(query)
	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			occurredAt int64
			archetype  string
			event      string
			reason     sql.NullString
			telemetry  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &occurredAt, &rec.InstanceID, &archetype, &event, &reason, &telemetry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		rec.Timestamp = time.UnixMilli(occurredAt).UTC()
		rec.Archetype = agent.Archetype(archetype)
		rec.Event = Event(event)
		rec.Reason = reason.String
		if telemetry.Valid && telemetry.String != "" {
			var decoded agent.Telemetry
			if err := json.Unmarshal([]byte(telemetry.String), &decoded); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("审计记录 %s 的遥测无法解析", rec.ID))
			}
			rec.Telemetry = &decoded
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return out, nil
}

func buildListQuery(query Query) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if query.InstanceID != "" {
		clauses = append(clauses, "instance_id = ?")
		args = append(args, query.InstanceID)
	}
	if query.Event != "" {
		clauses = append(clauses, "event = ?")
		args = append(args, string(query.Event))
	}
	if !query.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, query.Since.UnixMilli())
	}

	var b strings.Builder
	b.WriteString("SELECT id, occurred_at, instance_id, archetype, event, reason, telemetry FROM audit_events")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC, id DESC LIMIT ?")
	args = append(args, query.limit())
	return b.String(), args
}

// Prune 实现 Log。
func (l *MySQLLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM audit_events WHERE occurred_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理审计记录失败")
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清理结果失败")
	}
	return removed, nil
}

// Close 关闭数据库连接。
func (l *MySQLLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
