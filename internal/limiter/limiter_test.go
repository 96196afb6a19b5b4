package limiter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiterEnforcesLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(WithClock(clock.Now))
	policy := agent.Replication{Limit: 2, Window: 10 * time.Minute}
	ctx := context.Background()

	var allowed, limited int
	for i := 0; i < 3; i++ {
		_, err := l.TryReserve(ctx, "formatter", policy)
		switch {
		case err == nil:
			allowed++
		case errors.Is(err, ErrRateLimited):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if allowed != 2 || limited != 1 {
		t.Fatalf("expected 2 allowed and 1 limited, got %d/%d", allowed, limited)
	}
	if !xerrors.RetryableError(ErrRateLimited) {
		t.Fatalf("rate limited should be retryable")
	}
}

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(WithClock(clock.Now))
	policy := agent.Replication{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	if _, err := l.TryReserve(ctx, "scout", policy); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := l.TryReserve(ctx, "scout", policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit inside window, got %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := l.TryReserve(ctx, "scout", policy); err != nil {
		t.Fatalf("entry at window age should be evicted: %v", err)
	}
	if got := l.InWindow("scout", time.Minute); got != 1 {
		t.Fatalf("expected 1 entry in window, got %d", got)
	}
}

func TestMemoryLimiterRelease(t *testing.T) {
	l := NewMemoryLimiter()
	policy := agent.Replication{Limit: 1, Window: time.Hour}
	ctx := context.Background()

	res, err := l.TryReserve(ctx, "scout", policy)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, res); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, res); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}
	if _, err := l.TryReserve(ctx, "scout", policy); err != nil {
		t.Fatalf("released slot should be reusable: %v", err)
	}
	if _, err := l.TryReserve(ctx, "other", policy); err != nil {
		t.Fatalf("archetypes are limited independently: %v", err)
	}
}

func TestMemoryLimiterUnbounded(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		res, err := l.TryReserve(context.Background(), "free", agent.Replication{})
		if err != nil {
			t.Fatalf("unbounded reserve: %v", err)
		}
		if !res.Empty() {
			t.Fatalf("unbounded reservation should not hold a token")
		}
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	l := NewMemoryLimiter()
	policy := agent.Replication{Limit: 5, Window: time.Hour}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryReserve(context.Background(), "swarm", policy); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 5 {
		t.Fatalf("expected exactly 5 reservations, got %d", got)
	}
}

// newTestRedisLimiter 优先使用 SWARM_TEST_REDIS_ADDR 指向的 Redis，否则启动进程内的 miniredis。
func newTestRedisLimiter(t *testing.T, opts ...Option) *RedisLimiter {
	t.Helper()
	addr := os.Getenv("SWARM_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	prefix := fmt.Sprintf("swarm:test:%s:%d:", t.Name(), time.Now().UnixNano())
	l, err := NewRedisLimiter(context.Background(), RedisConfig{Address: addr, KeyPrefix: prefix}, opts...)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRedisLimiter(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()

	policy := agent.Replication{Limit: 2, Window: time.Minute}
	first, err := l.TryReserve(ctx, "formatter", policy)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := l.TryReserve(ctx, "formatter", policy); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := l.TryReserve(ctx, "formatter", policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := l.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.TryReserve(ctx, "formatter", policy); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestRedisLimiterConcurrent(t *testing.T) {
	l := newTestRedisLimiter(t)
	policy := agent.Replication{Limit: 2, Window: time.Hour}

	for _, callers := range []int{3, 32} {
		archetype := agent.Archetype(fmt.Sprintf("swarm-%d", callers))
		var allowed, limited atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.TryReserve(context.Background(), archetype, policy)
				switch {
				case err == nil:
					allowed.Add(1)
				case errors.Is(err, ErrRateLimited):
					limited.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if allowed.Load() != 2 || int(limited.Load()) != callers-2 {
			t.Fatalf("%d callers: expected 2 allowed, got %d allowed and %d limited", callers, allowed.Load(), limited.Load())
		}
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestRedisLimiter(t, WithClock(clock.Now))
	policy := agent.Replication{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	if _, err := l.TryReserve(ctx, "scout", policy); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := l.TryReserve(ctx, "scout", policy); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit inside window, got %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := l.TryReserve(ctx, "scout", policy); err != nil {
		t.Fatalf("entry at window age should be evicted: %v", err)
	}
}
