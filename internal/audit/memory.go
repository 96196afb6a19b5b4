package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog 在内存中保存审计记录，适用于单进程部署与测试。
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

// NewMemoryLog 创建内存审计日志。
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// Append 追加一条记录。
func (l *MemoryLog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&rec, l.now)
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	mirror(rec)
	return nil
}

// List 返回满足条件的最新记录。
func (l *MemoryLog) List(_ context.Context, query Query) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := query.limit()
	out := make([]Record, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if query.matches(l.records[i]) {
			out = append(out, l.records[i])
		}
	}
	return out, nil
}

// Prune 删除早于 before 的记录。
func (l *MemoryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keep := l.records[:0]
	var removed int64
	for _, rec := range l.records {
		if rec.Timestamp.Before(before) {
			removed++
			continue
		}
		keep = append(keep, rec)
	}
	for i := len(keep); i < len(l.records); i++ {
		l.records[i] = Record{}
	}
	l.records = keep
	return removed, nil
}

// Close 实现 Log。
func (l *MemoryLog) Close() error { return nil }
