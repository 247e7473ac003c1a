package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisQueueClient is the slice of go-redis the list queue needs; both the
// single-node and cluster clients satisfy it.
type redisQueueClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisQueue is a Redis list per queue name: LPUSH to enqueue, BRPOP to drain.
type RedisQueue struct {
	client redisQueueClient
	prefix string

	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewRedisQueue connects a single-node client.
func NewRedisQueue(rawURL, prefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return newRedisQueue(redis.NewClient(opts), prefix)
}

// NewRedisClusterQueue connects a cluster client.
func NewRedisClusterQueue(addrs []string, prefix string) (*RedisQueue, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:       addrs,
		DialTimeout: 5 * time.Second,
	})
	return newRedisQueue(client, prefix)
}

func newRedisQueue(client redisQueueClient, prefix string) (*RedisQueue, error) {
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	return &RedisQueue{client: client, prefix: prefix, ctx: ctx, cancel: stop}, nil
}

func (q *RedisQueue) key(name string) string { return q.prefix + name }

func (q *RedisQueue) Push(ctx context.Context, name string, payload []byte) error {
	return q.client.LPush(ctx, q.key(name), payload).Err()
}

func (q *RedisQueue) Consume(name string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				res, err := q.client.BRPop(q.ctx, 5*time.Second, q.key(name)).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if q.ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("queue", name).Msg("brpop failed, backing off")
					select {
					case <-time.After(time.Second):
					case <-q.ctx.Done():
						return
					}
					continue
				}
				// BRPOP returns [key, value].
				if len(res) == 2 {
					if err := handler(q.ctx, []byte(res[1])); err != nil {
						log.Warn().Err(err).Str("queue", name).Msg("job failed")
					}
				}
			}
		}()
	}
	return nil
}

func (q *RedisQueue) Disconnect(ctx context.Context) error {
	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}
