package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentSwarm/internal/agent"
)

type window struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	token string
	at    time.Time
}

// MemoryLimiter 在进程内维护每个原型的滑动窗口。不同原型之间互不阻塞。
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[agent.Archetype]*window
	clock   Clock
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	return &MemoryLimiter{windows: make(map[agent.Archetype]*window), clock: o.clock}
}

func (l *MemoryLimiter) windowFor(archetype agent.Archetype) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[archetype]
	if !ok {
		w = &window{}
		l.windows[archetype] = w
	}
	return w
}

// TryReserve 在窗口未满时占用一个名额，检查与记录是原子的。
func (l *MemoryLimiter) TryReserve(ctx context.Context, archetype agent.Archetype, policy agent.Replication) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	now := l.clock()
	if policy.Unbounded() {
		return Reservation{Archetype: archetype, At: now}, nil
	}

	w := l.windowFor(archetype)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now, policy.Window)
	if len(w.entries) >= policy.Limit {
		return Reservation{}, rateLimited(archetype, policy)
	}
	token := uuid.NewString()
	w.entries = append(w.entries, entry{token: token, at: now})
	return Reservation{Archetype: archetype, Token: token, At: now}, nil
}

// Release 归还名额，重复释放或未知 token 不视为错误。
func (l *MemoryLimiter) Release(_ context.Context, reservation Reservation) error {
	if reservation.Empty() {
		return nil
	}
	w := l.windowFor(reservation.Archetype)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.entries {
		if e.token == reservation.Token {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}
	return nil
}

// InWindow 返回原型当前窗口内的名额数量，主要用于诊断。
func (l *MemoryLimiter) InWindow(archetype agent.Archetype, span time.Duration) int {
	w := l.windowFor(archetype)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.clock(), span)
	return len(w.entries)
}

// Close 实现 Limiter。
func (l *MemoryLimiter) Close() error { return nil }

func (w *window) evict(now time.Time, span time.Duration) {
	keep := w.entries[:0]
	for _, e := range w.entries {
		if now.Sub(e.at) < span {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}
