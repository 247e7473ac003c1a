// Package adapter performs event fan-out: the local adapter serves one node,
// the horizontal adapter meshes nodes over Redis, Redis Cluster or NATS.
package adapter

import (
	"context"
	"fmt"
	"time"

	"pulsehub/internal/namespace"
	"pulsehub/internal/protocol"
)

// Adapter is the fan-out contract consumed by the channel manager and the
// HTTP API. Query operations aggregate across the whole mesh; Namespace
// exposes node-local state only.
type Adapter interface {
	// Namespace returns (creating lazily) the local namespace for an app.
	Namespace(appID string) *namespace.Namespace

	// Broadcast delivers a pre-encoded frame to every subscriber of the
	// channel, mesh-wide, except the given socket ("" for none).
	Broadcast(ctx context.Context, appID, channel string, data []byte, exceptSocket string) error

	// Send unicasts a frame to one local socket.
	Send(appID, socketID string, data []byte) error

	// Disconnect closes one local socket with a protocol code.
	Disconnect(appID, socketID string, code int, reason string)

	// ChannelMembers returns the mesh-wide presence roster of a channel.
	ChannelMembers(ctx context.Context, appID, channel string) (map[string]protocol.PresenceMemberInfo, error)

	// ChannelSocketCount returns the mesh-wide subscriber count of a channel.
	ChannelSocketCount(ctx context.Context, appID, channel string) (int, error)

	// ChannelsWithSocketCount returns every occupied channel with its
	// mesh-wide subscriber count.
	ChannelsWithSocketCount(ctx context.Context, appID string) (map[string]int, error)

	// SocketCount returns the mesh-wide connection count of an app.
	SocketCount(ctx context.Context, appID string) (int, error)

	// TerminateUser closes every socket bound to the user, mesh-wide.
	TerminateUser(ctx context.Context, appID, userID string) error

	// Close disconnects backplane resources.
	Close() error
}

// Config selects and parameterizes the adapter at boot.
type Config struct {
	Driver string `json:"driver"`
	Prefix string `json:"prefix"`
	// NodeID seeds the mesh identity; a UUID is generated when empty.
	NodeID            string        `json:"node_id"`
	RedisURL          string        `json:"redis_url"`
	RedisURLs         []string      `json:"redis_urls"`
	NATSURL           string        `json:"nats_url"`
	RequestTimeout    time.Duration `json:"-"`
	HeartbeatInterval time.Duration `json:"-"`
	HeartbeatTimeout  time.Duration `json:"-"`
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "pulsehub:"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
}

// New builds the configured adapter.
func New(cfg Config) (Adapter, error) {
	cfg.applyDefaults()
	switch cfg.Driver {
	case "", "local":
		return NewLocalAdapter(), nil
	case "redis":
		transport, err := newRedisTransport(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewHorizontalAdapter(NewLocalAdapter(), transport, cfg)
	case "redis-cluster":
		transport, err := newRedisClusterTransport(cfg.RedisURLs)
		if err != nil {
			return nil, err
		}
		return NewHorizontalAdapter(NewLocalAdapter(), transport, cfg)
	case "nats":
		transport, err := newNATSTransport(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return NewHorizontalAdapter(NewLocalAdapter(), transport, cfg)
	default:
		return nil, fmt.Errorf("unknown adapter driver %q", cfg.Driver)
	}
}
