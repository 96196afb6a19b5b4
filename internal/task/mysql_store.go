package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/monitor"
	storage "AgentSwarm/internal/storage/mysql"
)

// MySQLStore 使用 task_jobs 表记录异步任务状态，进程重启后任务仍可查询。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 连接 MySQL、执行迁移并返回任务存储。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.OpenAndMigrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 使用已迁移的连接构造任务存储。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const (
	insertJobSQL = `INSERT INTO task_jobs
        (id, task, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', NULL, ?, ?)`

	selectJobColumns = `SELECT id, task, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at
        FROM task_jobs`

	claimJobSQL = `UPDATE task_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ?`

	succeedJobSQL = `UPDATE task_jobs SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ?`

	failJobSQL = `UPDATE task_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`
)

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusQueued
	}
	encoded, err := json.Marshal(job.Task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务失败")
	}
	if _, err := s.db.ExecContext(ctx, insertJobSQL,
		job.ID,
		string(encoded),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	); err != nil {
		if storage.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return job, err
}

// Claim 仅当任务处于排队状态时将其置为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, claimJobSQL, string(StatusRunning), s.now().Unix(), id, string(StatusQueued))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if job.Terminal() {
			return job, ErrTaskCompleted
		}
		return job, ErrTaskConflict
	}
	return job, nil
}

// MarkSucceeded 实现 Store 接口。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result *monitor.ExecutionResult) error {
	var encoded sql.NullString
	if result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
		}
		encoded = sql.NullString{String: string(body), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, succeedJobSQL, string(StatusSucceeded), encoded, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务结果失败")
	}
	return s.requireRow(ctx, res, id)
}

// MarkFailed 记录失败原因，terminal 为 false 时任务回到排队状态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, terminal bool) error {
	status := StatusQueued
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, failJobSQL, string(status), message, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务失败原因失败")
	}
	return s.requireRow(ctx, res, id)
}

// List 按更新时间倒序返回最近的任务。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*Job, error) {
	stmt := selectJobColumns + ` ORDER BY updated_at DESC, id DESC`
	var args []any
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return jobs, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// requireRow 在没有行被更新时确认任务是否存在，MySQL 对未变化的行返回 0。
func (s *MySQLStore) requireRow(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		taskJSON  string
		status    string
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&taskJSON,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	if err := json.Unmarshal([]byte(taskJSON), &job.Task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务内容失败")
	}
	if result.Valid && result.String != "" {
		var decoded monitor.ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
		job.Result = &decoded
	}
	return &job, nil
}
