package limiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// RedisConfig 描述 Redis 限流器的连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// reserveScript 在一个原子步骤中清理过期成员、计数并写入新成员。
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - span)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, span)
return 1
`)

// RedisLimiter 使用有序集合实现可在多个控制平面实例间共享的滑动窗口。
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
}

// NewRedisLimiter 连接 Redis 并返回限流器。
func NewRedisLimiter(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisLimiter, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisLimiterWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisLimiterWithClient 基于已有客户端构建限流器。
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string, opts ...Option) *RedisLimiter {
	if prefix == "" {
		prefix = "swarm:replication:"
	}
	o := buildOptions(opts)
	return &RedisLimiter{client: client, prefix: prefix, clock: o.clock}
}

func (l *RedisLimiter) key(archetype agent.Archetype) string {
	return l.prefix + string(archetype)
}

// TryReserve 实现 Limiter。
func (l *RedisLimiter) TryReserve(ctx context.Context, archetype agent.Archetype, policy agent.Replication) (Reservation, error) {
	now := l.clock()
	if policy.Unbounded() {
		return Reservation{Archetype: archetype, At: now}, nil
	}
	token := uuid.NewString()
	allowed, err := reserveScript.Run(ctx, l.client, []string{l.key(archetype)},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Limit, token).Int()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Reservation{}, err
		}
		return Reservation{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("原型 %s 预留名额失败", archetype))
	}
	if allowed == 0 {
		return Reservation{}, rateLimited(archetype, policy)
	}
	return Reservation{Archetype: archetype, Token: token, At: now}, nil
}

// Release 实现 Limiter。
func (l *RedisLimiter) Release(ctx context.Context, reservation Reservation) error {
	if reservation.Empty() {
		return nil
	}
	if err := l.client.ZRem(ctx, l.key(reservation.Archetype), reservation.Token).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放复制名额失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (l *RedisLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

