// Package cache provides the opaque string→string TTL map used for cache
// channel replay and webhook dedupe.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the contract consumed by the core. A miss is (="", false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Disconnect(ctx context.Context) error
}

// Config selects a cache driver.
type Config struct {
	Driver    string   `json:"driver"`
	RedisURL  string   `json:"redis_url"`
	RedisURLs []string `json:"redis_urls"`
	Prefix    string   `json:"prefix"`
}

// New builds the configured cache. The "none" driver satisfies the contract
// with permanent misses.
func New(cfg Config) (Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(cfg.RedisURL, cfg.Prefix)
	case "redis-cluster":
		return NewRedisClusterCache(cfg.RedisURLs, cfg.Prefix)
	case "none":
		return noopCache{}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (noopCache) Set(context.Context, string, string, time.Duration) error {
	return nil
}
func (noopCache) Delete(context.Context, string) error { return nil }
func (noopCache) Disconnect(context.Context) error     { return nil }
