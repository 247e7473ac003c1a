package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaQueue maps each queue name to a Kafka topic. Workers share a consumer
// group so a topic is drained once across the cluster.
type KafkaQueue struct {
	brokers []string
	prefix  string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader

	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewKafkaQueue prepares lazily-created writers for the given brokers.
func NewKafkaQueue(brokers []string, prefix string) *KafkaQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaQueue{
		brokers: brokers,
		prefix:  prefix,
		writers: make(map[string]*kafka.Writer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// topic converts a queue name into a legal Kafka topic name.
func (q *KafkaQueue) topic(name string) string {
	return strings.ReplaceAll(q.prefix+name, ":", ".")
}

func (q *KafkaQueue) writer(name string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.writers[name]
	if !ok {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(q.brokers...),
			Topic:                  q.topic(name),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
		q.writers[name] = w
	}
	return w
}

func (q *KafkaQueue) Push(ctx context.Context, name string, payload []byte) error {
	return q.writer(name).WriteMessages(ctx, kafka.Message{Value: payload})
}

func (q *KafkaQueue) Consume(name string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        q.brokers,
			Topic:          q.topic(name),
			GroupID:        q.topic(name) + ".workers",
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
		})
		q.mu.Lock()
		q.readers = append(q.readers, reader)
		q.mu.Unlock()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				m, err := reader.FetchMessage(q.ctx)
				if err != nil {
					if q.ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("queue", name).Msg("kafka fetch failed")
					continue
				}
				if err := handler(q.ctx, m.Value); err != nil {
					log.Warn().Err(err).Str("queue", name).Msg("job failed")
				}
				if err := reader.CommitMessages(q.ctx, m); err != nil && q.ctx.Err() == nil {
					log.Warn().Err(err).Str("queue", name).Msg("kafka commit failed")
				}
			}
		}()
	}
	return nil
}

func (q *KafkaQueue) Disconnect(ctx context.Context) error {
	q.cancel()
	q.mu.Lock()
	for _, w := range q.writers {
		_ = w.Close()
	}
	for _, r := range q.readers {
		_ = r.Close()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
