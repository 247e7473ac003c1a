// Package queue provides the job queue the webhook pipeline drains. Payloads
// are opaque bytes; drivers exist for memory, Redis lists, and Kafka.
package queue

import (
	"context"
	"fmt"
)

// Handler processes one job. A returned error means the job failed; retry
// policy belongs to the consumer, not the queue.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the contract the webhook pipeline consumes.
type Queue interface {
	// Push enqueues a job.
	Push(ctx context.Context, name string, payload []byte) error
	// Consume starts the given number of workers draining the named queue.
	Consume(name string, concurrency int, handler Handler) error
	// Disconnect stops workers and releases driver resources.
	Disconnect(ctx context.Context) error
}

// Config selects a queue driver.
type Config struct {
	Driver       string   `json:"driver"`
	RedisURL     string   `json:"redis_url"`
	RedisURLs    []string `json:"redis_urls"`
	Prefix       string   `json:"prefix"`
	KafkaBrokers []string `json:"kafka_brokers"`
	Concurrency  int      `json:"concurrency"`
}

// New builds the configured queue. "none" drops every job.
func New(cfg Config) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		return NewRedisQueue(cfg.RedisURL, cfg.Prefix)
	case "redis-cluster":
		return NewRedisClusterQueue(cfg.RedisURLs, cfg.Prefix)
	case "kafka":
		return NewKafkaQueue(cfg.KafkaBrokers, cfg.Prefix), nil
	case "none":
		return noopQueue{}, nil
	case "sqs":
		return nil, fmt.Errorf("queue driver %q not built in", cfg.Driver)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

type noopQueue struct{}

func (noopQueue) Push(context.Context, string, []byte) error { return nil }
func (noopQueue) Consume(string, int, Handler) error         { return nil }
func (noopQueue) Disconnect(context.Context) error           { return nil }
