package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const memoryQueueDepth = 10000

// MemoryQueue is a buffered-channel queue for single-node deployments.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue returns an empty queue; channels are created on first use.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]chan []byte),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) channel(name string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan []byte, memoryQueueDepth)
		q.queues[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Push(ctx context.Context, name string, payload []byte) error {
	select {
	case q.channel(name) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(name string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch := q.channel(name)
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case payload := <-ch:
					if err := handler(context.Background(), payload); err != nil {
						log.Warn().Err(err).Str("queue", name).Msg("job failed")
					}
				case <-q.done:
					return
				}
			}
		}()
	}
	return nil
}

func (q *MemoryQueue) Disconnect(ctx context.Context) error {
	close(q.done)
	q.wg.Wait()
	return nil
}
