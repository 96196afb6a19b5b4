package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/monitor"
)

const defaultStoreCapacity = 4096

// MemoryStore 以内存方式保存任务状态。超过容量时淘汰最早结束的任务。
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	capacity int
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore，capacity 小于等于 0 时使用默认容量。
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &MemoryStore{jobs: make(map[string]*Job), capacity: capacity, now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrTaskConflict
	}
	m.evictLocked()
	now := m.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusQueued
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneJob(job), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch job.Status {
	case StatusSucceeded, StatusFailed:
		return cloneJob(job), ErrTaskCompleted
	case StatusRunning:
		return cloneJob(job), ErrTaskConflict
	}
	job.Status = StatusRunning
	job.Attempts++
	job.UpdatedAt = m.now().Unix()
	return cloneJob(job), nil
}

// MarkSucceeded 记录执行结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result *monitor.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrTaskNotFound
	}
	job.Status = StatusSucceeded
	job.Result = result
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 记录失败原因，terminal 为 false 时任务回到排队状态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, message string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrTaskNotFound
	}
	job.Status = StatusQueued
	if terminal {
		job.Status = StatusFailed
	}
	job.LastError = message
	job.ErrorCode = string(code)
	job.UpdatedAt = m.now().Unix()
	return nil
}

// List 按更新时间倒序返回最近的任务。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Job, error) {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].UpdatedAt == jobs[j].UpdatedAt {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].UpdatedAt > jobs[j].UpdatedAt
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// evictLocked 在达到容量时移除最早结束的任务，未结束的任务不会被淘汰。
func (m *MemoryStore) evictLocked() {
	if len(m.jobs) < m.capacity {
		return
	}
	var (
		oldestID string
		oldestAt int64
	)
	for id, job := range m.jobs {
		if !job.Terminal() {
			continue
		}
		if oldestID == "" || job.UpdatedAt < oldestAt {
			oldestID, oldestAt = id, job.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(m.jobs, oldestID)
	}
}
