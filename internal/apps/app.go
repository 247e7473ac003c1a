// Package apps holds the tenant model and the pluggable app registry.
package apps

import "encoding/json"

// Webhook is one outbound endpoint configured by a tenant.
type Webhook struct {
	URL        string            `json:"url" bson:"url"`
	EventTypes []string          `json:"event_types" bson:"event_types"`
	Filter     WebhookFilter     `json:"filter,omitempty" bson:"filter,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
}

// WebhookFilter narrows a webhook to channels matching a name prefix.
type WebhookFilter struct {
	ChannelPrefix string `json:"channel_name_prefix,omitempty" bson:"channel_name_prefix,omitempty"`
}

// WantsEvent reports whether the endpoint subscribes to the given event type.
func (w *Webhook) WantsEvent(eventType string) bool {
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// App is a tenant: public key, HMAC secret and per-tenant limits.
type App struct {
	ID                           string    `json:"id" bson:"_id"`
	Key                          string    `json:"key" bson:"key"`
	Secret                       string    `json:"secret" bson:"secret"`
	Enabled                      bool      `json:"enabled" bson:"enabled"`
	MaxConnections               int       `json:"max_connections" bson:"max_connections"`
	EnableClientMessages         bool      `json:"enable_client_messages" bson:"enable_client_messages"`
	EnableUserAuthentication     bool      `json:"enable_user_authentication" bson:"enable_user_authentication"`
	MaxClientEventsPerSecond     int       `json:"max_client_events_per_second" bson:"max_client_events_per_second"`
	MaxChannelsPerConnection     int       `json:"max_channels_per_connection" bson:"max_channels_per_connection"`
	MaxPresenceMembersPerChannel int       `json:"max_presence_members_per_channel" bson:"max_presence_members_per_channel"`
	MaxPresenceMemberSizeKB      int       `json:"max_presence_member_size_kb" bson:"max_presence_member_size_kb"`
	MaxBackendEventsPerSecond    int       `json:"max_backend_events_per_second" bson:"max_backend_events_per_second"`
	MaxReadRequestsPerSecond     int       `json:"max_read_requests_per_second" bson:"max_read_requests_per_second"`
	Webhooks                     []Webhook `json:"webhooks,omitempty" bson:"webhooks,omitempty"`
}

// ApplyDefaults fills zero-valued limits so a sparsely configured app behaves.
func (a *App) ApplyDefaults() {
	if a.MaxConnections <= 0 {
		a.MaxConnections = 10000
	}
	if a.MaxClientEventsPerSecond <= 0 {
		a.MaxClientEventsPerSecond = 100
	}
	if a.MaxChannelsPerConnection <= 0 {
		a.MaxChannelsPerConnection = 100
	}
	if a.MaxPresenceMembersPerChannel <= 0 {
		a.MaxPresenceMembersPerChannel = 100
	}
	if a.MaxPresenceMemberSizeKB <= 0 {
		a.MaxPresenceMemberSizeKB = 2
	}
	if a.MaxBackendEventsPerSecond <= 0 {
		a.MaxBackendEventsPerSecond = 1000
	}
	if a.MaxReadRequestsPerSecond <= 0 {
		a.MaxReadRequestsPerSecond = 1000
	}
}

// Clone returns a deep copy so cached entries cannot be mutated by callers.
func (a *App) Clone() *App {
	raw, _ := json.Marshal(a)
	var out App
	_ = json.Unmarshal(raw, &out)
	return &out
}
