package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisLike is the slice of go-redis shared by the single-node and cluster
// clients that the transport needs.
type redisLike interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// redisTransport carries mesh topics over Redis Pub/Sub. go-redis reconnects
// subscriptions on its own; a dropped window simply loses envelopes, which
// the adapter contract documents as at-most-once.
type redisTransport struct {
	client redisLike

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

func newRedisTransport(rawURL string) (*redisTransport, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisTransport{client: client}, nil
}

func newRedisClusterTransport(addrs []string) (*redisTransport, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        addrs,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisTransport{client: client}, nil
}

func (t *redisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *redisTransport) Subscribe(topic string, handler func(payload []byte)) error {
	pubsub := t.client.Subscribe(context.Background(), topic)
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return err
	}

	t.mu.Lock()
	t.pubsubs = append(t.pubsubs, pubsub)
	t.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			log.Warn().Str("topic", topic).Msg("redis subscription channel closed")
		}
	}()
	return nil
}

func (t *redisTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	pubsubs := t.pubsubs
	t.mu.Unlock()
	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return t.client.Close()
}
