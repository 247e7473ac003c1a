package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisLimiterClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisLimiter shares a fixed window across nodes via INCR + EXPIRE.
type RedisLimiter struct {
	client redisLimiterClient
	prefix string
	limit  int
	period time.Duration
}

// NewRedisLimiter connects a single-node client.
func NewRedisLimiter(rawURL, prefix string, limit int, period time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return newRedisLimiter(redis.NewClient(opts), prefix, limit, period)
}

// NewRedisClusterLimiter connects a cluster client.
func NewRedisClusterLimiter(addrs []string, prefix string, limit int, period time.Duration) (*RedisLimiter, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:       addrs,
		DialTimeout: 5 * time.Second,
	})
	return newRedisLimiter(client, prefix, limit, period)
}

func newRedisLimiter(client redisLimiterClient, prefix string, limit int, period time.Duration) (*RedisLimiter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, period: period}, nil
}

func (l *RedisLimiter) Increment(ctx context.Context, key string) (Result, error) {
	k := l.prefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.period).Err(); err != nil {
			return Result{}, err
		}
	}
	ttl, err := l.client.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = l.period
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    int(count) <= l.limit,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: ttl,
	}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

func (l *RedisLimiter) Disconnect(ctx context.Context) error {
	return l.client.Close()
}
