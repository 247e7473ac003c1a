// Package ratelimit provides the pluggable fixed-window limiter used by the
// HTTP API and the backend event paths.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one limiter increment.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter counts requests per key over a fixed window.
type Limiter interface {
	// Increment counts one request against the key and reports whether it is
	// allowed within the window.
	Increment(ctx context.Context, key string) (Result, error)
	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error
	Disconnect(ctx context.Context) error
}

// Config selects a limiter driver and its window.
type Config struct {
	Driver        string   `json:"driver"`
	MaxRequests   int      `json:"max_requests"`
	WindowSeconds int      `json:"window_seconds"`
	TrustHops     int      `json:"trust_hops"`
	RedisURL      string   `json:"redis_url"`
	RedisURLs     []string `json:"redis_urls"`
	Prefix        string   `json:"prefix"`
}

// Window returns the configured window as a duration.
func (c Config) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// New builds the configured limiter.
func New(cfg Config) (Limiter, error) {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 120
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryLimiter(cfg.MaxRequests, cfg.Window()), nil
	case "redis":
		return NewRedisLimiter(cfg.RedisURL, cfg.Prefix, cfg.MaxRequests, cfg.Window())
	case "redis-cluster":
		return NewRedisClusterLimiter(cfg.RedisURLs, cfg.Prefix, cfg.MaxRequests, cfg.Window())
	default:
		return nil, fmt.Errorf("unknown rate limiter driver %q", cfg.Driver)
	}
}
