// Package webhooks buffers channel lifecycle and client events, optionally
// batches them, and delivers signed POSTs through the job queue.
package webhooks

import (
	"encoding/json"
	"time"
)

// Event types a tenant can subscribe to.
const (
	EventChannelOccupied   = "channel_occupied"
	EventChannelVacated    = "channel_vacated"
	EventMemberAdded       = "member_added"
	EventMemberRemoved     = "member_removed"
	EventClientEvent       = "client_event"
	EventCacheMiss         = "cache_miss"
	EventSubscriptionCount = "subscription_count"
)

// Event is one record in a webhook payload.
type Event struct {
	Name              string          `json:"name"`
	Channel           string          `json:"channel"`
	Event             string          `json:"event,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	SocketID          string          `json:"socket_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	SubscriptionCount int             `json:"subscription_count,omitempty"`
}

// Payload is the POST body: `{time_ms, events:[…]}`.
type Payload struct {
	TimeMS int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Job is one queued delivery. It carries everything the worker needs so that
// any node can drain it.
type Job struct {
	ID      string            `json:"id"`
	AppID   string            `json:"app_id"`
	AppKey  string            `json:"app_key"`
	Secret  string            `json:"secret"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload Payload           `json:"payload"`
}

// BatchingConfig controls payload aggregation per endpoint.
type BatchingConfig struct {
	Enabled  bool          `json:"enabled"`
	Duration time.Duration `json:"-"`
}
