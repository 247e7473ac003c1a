// Package namespace owns the per-app in-memory state: connections and the
// channel and user indexes over them.
package namespace

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulsehub/internal/apps"
	"pulsehub/internal/protocol"
)

// ErrBackpressure is returned when a connection's send buffer is full; the
// caller closes the socket with code 4200.
var ErrBackpressure = errors.New("send buffer over high-water mark")

// Transport is the frame writer a Connection owns. *websocket.Conn satisfies
// it; tests substitute fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

const sendBufferSize = 256

// Connection is one WebSocket session. Frame writes are serialized through a
// buffered channel drained by WritePump, preserving per-socket FIFO order.
type Connection struct {
	SocketID string
	App      *apps.App

	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	subscribed map[string]struct{}
	userID     string
	user       json.RawMessage
	presence   map[string]protocol.PresenceMemberInfo
	lastPing   time.Time
}

// NewConnection wraps a transport with a fresh socket id.
func NewConnection(app *apps.App, transport Transport) *Connection {
	return &Connection{
		SocketID:   protocol.NewSocketID(),
		App:        app,
		transport:  transport,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
		presence:   make(map[string]protocol.PresenceMemberInfo),
		lastPing:   time.Now(),
	}
}

// Send queues a frame. It never blocks; a full buffer reports backpressure.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendMessage encodes and queues a protocol frame.
func (c *Connection) SendMessage(m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// WritePump drains the send buffer onto the transport. It returns when the
// connection closes or a write fails.
func (c *Connection) WritePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-c.done:
			// Flush whatever was queued before the close frame went out.
			for {
				select {
				case data := <-c.send:
					_ = c.transport.WriteMessage(websocket.TextMessage, data)
				default:
					return
				}
			}
		}
	}
}

// Close sends a close frame with the given protocol code and tears the
// transport down. Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		payload := websocket.FormatCloseMessage(code, reason)
		_ = c.transport.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
		close(c.done)
		_ = c.transport.Close()
	})
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// AddSubscription records channel membership on the connection side.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	c.subscribed[channel] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription drops channel membership on the connection side.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscribed, channel)
	delete(c.presence, channel)
	c.mu.Unlock()
}

// IsSubscribed reports whether the connection is in the channel.
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribed[channel]
	return ok
}

// Subscriptions returns a snapshot of subscribed channel names.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		out = append(out, ch)
	}
	return out
}

// SubscriptionCount returns the number of subscribed channels.
func (c *Connection) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribed)
}

// SetPresence records the member info this connection holds on a channel.
func (c *Connection) SetPresence(channel string, info protocol.PresenceMemberInfo) {
	c.mu.Lock()
	c.presence[channel] = info
	c.mu.Unlock()
}

// Presence returns the member info for a channel, if any.
func (c *Connection) Presence(channel string) (protocol.PresenceMemberInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.presence[channel]
	return info, ok
}

// BindUser attaches an authenticated user to the connection. It fails if a
// different user is already bound.
func (c *Connection) BindUser(userID string, user json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return errors.New("connection already signed in")
	}
	c.userID = userID
	c.user = user
	return nil
}

// UserID returns the bound user id, empty if not signed in.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// TouchPing records frame activity for the idle timeout.
func (c *Connection) TouchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the time of the last received frame.
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}
