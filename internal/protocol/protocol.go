// Package protocol defines the Pusher v7 wire surface: event frames, close
// codes, channel classification and socket id generation.
package protocol

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
)

// Server and client event names.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSignin                = "pusher:signin"
	EventSigninSuccess         = "pusher:signin_success"
	EventError                 = "pusher:error"
	EventCacheMiss             = "pusher:cache_miss"

	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	ClientEventPrefix = "client-"
)

// Close codes mandated by the protocol.
const (
	CloseAppNotFound      = 4001
	CloseAppDisabled      = 4003
	CloseOverCapacity     = 4004
	CloseSubscriptionAuth = 4009
	CloseBackpressure     = 4200
	ClosePingTimeout      = 4201
	CloseGoingAway        = 1001
)

// Error codes carried in pusher:error frames that do not close the socket.
const (
	ErrCodeUnknownEvent     = 4301
	ErrCodeClientEventRate  = 4302
	ErrCodeAlreadySignedIn  = 4303
	ErrCodeOverChannelLimit = 4304
)

// Message is one frame on the wire. Data is left raw on the way in and
// marshalled on the way out; Pusher encodes some payloads as JSON strings.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Parse decodes an inbound frame. Frames without an event name are invalid.
func Parse(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("frame has no event field")
	}
	return &m, nil
}

// Encode serializes a frame once for fan-out.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// StringData extracts Data whether it arrived as a JSON string or an object.
func (m *Message) StringData() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

// SubscribePayload is the data of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribePayload is the data of a pusher:unsubscribe frame.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// SigninPayload is the data of a pusher:signin frame.
type SigninPayload struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data"`
}

// PresenceMemberInfo is one entry in a presence roster.
type PresenceMemberInfo struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// NewConnectionEstablished builds the first server frame. The payload is a
// JSON-encoded string, as the protocol requires.
func NewConnectionEstablished(socketID string, activityTimeout int) *Message {
	inner, _ := json.Marshal(map[string]interface{}{
		"socket_id":        socketID,
		"activity_timeout": activityTimeout,
	})
	data, _ := json.Marshal(string(inner))
	return &Message{Event: EventConnectionEstablished, Data: data}
}

// NewError builds a pusher:error frame with a stable numeric code.
func NewError(code int, message string) *Message {
	data, _ := json.Marshal(map[string]interface{}{
		"code":    code,
		"message": message,
	})
	return &Message{Event: EventError, Data: data}
}

// NewPong answers a pusher:ping.
func NewPong() *Message {
	return &Message{Event: EventPong, Data: json.RawMessage(`{}`)}
}

// NewSubscriptionSucceeded confirms a subscription. For presence channels the
// roster is embedded as a JSON-encoded string, matching the reference servers.
func NewSubscriptionSucceeded(channel string, presence map[string]PresenceMemberInfo) *Message {
	var data json.RawMessage
	if presence != nil {
		ids := make([]string, 0, len(presence))
		hash := make(map[string]json.RawMessage, len(presence))
		for id, info := range presence {
			ids = append(ids, id)
			hash[id] = info.UserInfo
		}
		inner, _ := json.Marshal(map[string]interface{}{
			"presence": map[string]interface{}{
				"count": len(presence),
				"ids":   ids,
				"hash":  hash,
			},
		})
		data, _ = json.Marshal(string(inner))
	} else {
		data, _ = json.Marshal("{}")
	}
	return &Message{Event: EventSubscriptionSucceeded, Channel: channel, Data: data}
}

// NewMemberAdded announces a presence join to the rest of the channel.
func NewMemberAdded(channel string, member PresenceMemberInfo) *Message {
	inner, _ := json.Marshal(member)
	data, _ := json.Marshal(string(inner))
	return &Message{Event: EventMemberAdded, Channel: channel, Data: data}
}

// NewMemberRemoved announces a presence leave.
func NewMemberRemoved(channel, userID string) *Message {
	inner, _ := json.Marshal(map[string]string{"user_id": userID})
	data, _ := json.Marshal(string(inner))
	return &Message{Event: EventMemberRemoved, Channel: channel, Data: data}
}

// ChannelKind classifies a channel name by prefix.
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelPrivate
	ChannelPrivateEncrypted
	ChannelPresence
)

// KindOf returns the channel kind. Order matters: presence- and
// private-encrypted- both shadow the plain private- prefix.
func KindOf(channel string) ChannelKind {
	switch {
	case strings.HasPrefix(channel, "presence-"):
		return ChannelPresence
	case strings.HasPrefix(channel, "private-encrypted-"):
		return ChannelPrivateEncrypted
	case strings.HasPrefix(channel, "private-"):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// RequiresAuth reports whether subscriptions must present a signature.
func RequiresAuth(channel string) bool {
	return KindOf(channel) != ChannelPublic
}

// IsPresence reports whether the channel maintains a member roster.
func IsPresence(channel string) bool {
	return KindOf(channel) == ChannelPresence
}

// IsEncrypted reports whether payloads on the channel are end-to-end encrypted.
func IsEncrypted(channel string) bool {
	return KindOf(channel) == ChannelPrivateEncrypted
}

// IsCache reports whether the channel replays its last event to new
// subscribers. Cache variants exist for every kind.
func IsCache(channel string) bool {
	return strings.HasPrefix(channel, "cache-") ||
		strings.HasPrefix(channel, "private-cache-") ||
		strings.HasPrefix(channel, "private-encrypted-cache-") ||
		strings.HasPrefix(channel, "presence-cache-")
}

// IsClientEvent reports whether the event name is a client-originated event.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// ValidChannel checks the character set and length limits for channel names.
func ValidChannel(channel string) bool {
	if channel == "" || len(channel) > 200 {
		return false
	}
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '=' || r == '@' || r == ',' || r == '.' || r == ';':
		default:
			return false
		}
	}
	return true
}

// NewSocketID returns a fresh socket identifier: two random decimals up to ten
// digits each, joined by a dot.
func NewSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Int63n(10000000000), rand.Int63n(10000000000))
}
