// Package channels implements the subscription state machine: authorization,
// presence rosters, client events, and the lifecycle webhooks they produce.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pulsehub/internal/adapter"
	"pulsehub/internal/auth"
	"pulsehub/internal/cache"
	"pulsehub/internal/namespace"
	"pulsehub/internal/protocol"
	"pulsehub/internal/webhooks"
)

// Time a cache channel's last event stays replayable.
const cacheTTL = 30 * time.Minute

// Manager drives subscribe/unsubscribe/client-event transitions. It borrows
// the adapter; the adapter owns the namespaces.
type Manager struct {
	adapter  adapter.Adapter
	cache    cache.Cache
	webhooks *webhooks.Pipeline

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager wires the state machine to its collaborators.
func NewManager(a adapter.Adapter, c cache.Cache, w *webhooks.Pipeline) *Manager {
	return &Manager{
		adapter:  a,
		cache:    c,
		webhooks: w,
		limiters: make(map[string]*rate.Limiter),
	}
}

// CacheKey is where a cache channel's last event lives.
func CacheKey(appID, channel string) string {
	return "app:" + appID + ":channel:" + channel + ":last"
}

// StoreCacheEvent memoizes the last event of a cache channel for replay.
func (m *Manager) StoreCacheEvent(ctx context.Context, appID, channel string, frame []byte) {
	if !protocol.IsCache(channel) {
		return
	}
	if err := m.cache.Set(ctx, CacheKey(appID, channel), string(frame), cacheTTL); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("cache store failed")
	}
}

// LastCacheEvent returns the memoized last event of a cache channel. A
// non-cache channel or an expired entry is a miss.
func (m *Manager) LastCacheEvent(ctx context.Context, appID, channel string) (string, bool) {
	if !protocol.IsCache(channel) {
		return "", false
	}
	stored, hit, err := m.cache.Get(ctx, CacheKey(appID, channel))
	if err != nil || !hit {
		return "", false
	}
	return stored, true
}

// Subscribe runs the full subscribe path for one socket. Protocol failures
// are reported to the socket as pusher:error frames; the returned error is
// for logging only.
func (m *Manager) Subscribe(ctx context.Context, conn *namespace.Connection, payload protocol.SubscribePayload) error {
	app := conn.App
	channel := payload.Channel

	if !protocol.ValidChannel(channel) {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "invalid channel name"))
		return fmt.Errorf("invalid channel name %q", channel)
	}
	if conn.IsSubscribed(channel) && !protocol.IsPresence(channel) {
		// Plain re-subscribe is idempotent: just confirm again.
		return conn.SendMessage(protocol.NewSubscriptionSucceeded(channel, nil))
	}

	if protocol.RequiresAuth(channel) {
		if !auth.VerifyChannelAuth(app.Key, app.Secret, payload.Auth, conn.SocketID, channel, payload.ChannelData) {
			_ = conn.SendMessage(protocol.NewError(protocol.CloseSubscriptionAuth, "subscription authorization failed"))
			return fmt.Errorf("auth failed for %s on %s", conn.SocketID, channel)
		}
	}

	if conn.SubscriptionCount() >= app.MaxChannelsPerConnection && !conn.IsSubscribed(channel) {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeOverChannelLimit,
			fmt.Sprintf("subscription limit of %d channels reached", app.MaxChannelsPerConnection)))
		return fmt.Errorf("channel limit reached for %s", conn.SocketID)
	}

	if protocol.IsPresence(channel) {
		return m.subscribePresence(ctx, conn, channel, payload.ChannelData)
	}

	ns := m.adapter.Namespace(app.ID)
	newCount := ns.AddToChannel(conn.SocketID, channel)
	conn.AddSubscription(channel)

	m.afterJoin(ctx, conn, channel, newCount)
	return conn.SendMessage(protocol.NewSubscriptionSucceeded(channel, nil))
}

func (m *Manager) subscribePresence(ctx context.Context, conn *namespace.Connection, channel, channelData string) error {
	app := conn.App

	if len(channelData) > app.MaxPresenceMemberSizeKB*1024 {
		_ = conn.SendMessage(protocol.NewError(protocol.CloseSubscriptionAuth,
			fmt.Sprintf("presence member data over %d KB", app.MaxPresenceMemberSizeKB)))
		return fmt.Errorf("oversize presence payload on %s", channel)
	}

	var member protocol.PresenceMemberInfo
	if err := json.Unmarshal([]byte(channelData), &member); err != nil || member.UserID == "" {
		_ = conn.SendMessage(protocol.NewError(protocol.CloseSubscriptionAuth, "invalid channel_data"))
		return fmt.Errorf("invalid channel_data on %s: %v", channel, err)
	}

	roster, err := m.adapter.ChannelMembers(ctx, app.ID, channel)
	if err != nil {
		return err
	}
	_, alreadyMember := roster[member.UserID]
	if !alreadyMember && len(roster) >= app.MaxPresenceMembersPerChannel {
		_ = conn.SendMessage(protocol.NewError(protocol.CloseSubscriptionAuth,
			fmt.Sprintf("presence channel at its %d member limit", app.MaxPresenceMembersPerChannel)))
		return fmt.Errorf("presence channel %s full", channel)
	}

	ns := m.adapter.Namespace(app.ID)
	newCount := ns.AddToChannel(conn.SocketID, channel)
	conn.AddSubscription(channel)
	conn.SetPresence(channel, member)

	m.afterJoin(ctx, conn, channel, newCount)

	// A second socket of the same user is an idempotent re-join: the roster
	// already carries the member, so peers get no member_added.
	if !alreadyMember {
		frame, err := protocol.NewMemberAdded(channel, member).Encode()
		if err == nil {
			_ = m.adapter.Broadcast(ctx, app.ID, channel, frame, conn.SocketID)
		}
		data, _ := json.Marshal(member)
		m.webhooks.Emit(ctx, app, webhooks.Event{
			Name:     webhooks.EventMemberAdded,
			Channel:  channel,
			UserID:   member.UserID,
			Data:     data,
			SocketID: conn.SocketID,
		})
		roster[member.UserID] = member
	}

	return conn.SendMessage(protocol.NewSubscriptionSucceeded(channel, roster))
}

// afterJoin fires occupancy webhooks and cache replay once membership is in.
func (m *Manager) afterJoin(ctx context.Context, conn *namespace.Connection, channel string, newCount int) {
	app := conn.App
	if newCount == 1 {
		m.webhooks.Emit(ctx, app, webhooks.Event{Name: webhooks.EventChannelOccupied, Channel: channel})
	}
	m.webhooks.Emit(ctx, app, webhooks.Event{
		Name:              webhooks.EventSubscriptionCount,
		Channel:           channel,
		SubscriptionCount: newCount,
	})

	if protocol.IsCache(channel) {
		m.replayCache(ctx, conn, channel)
	}
}

// replayCache sends the stored last event to a fresh subscriber, or a
// cache_miss frame (and opt-in webhook) when the cache is empty.
func (m *Manager) replayCache(ctx context.Context, conn *namespace.Connection, channel string) {
	app := conn.App
	stored, hit, err := m.cache.Get(ctx, CacheKey(app.ID, channel))
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("cache read failed")
		return
	}
	if hit {
		_ = conn.Send([]byte(stored))
		return
	}
	data, _ := json.Marshal(map[string]string{"channel": channel})
	miss := &protocol.Message{Event: protocol.EventCacheMiss, Channel: channel, Data: data}
	_ = conn.SendMessage(miss)
	m.webhooks.Emit(ctx, app, webhooks.Event{Name: webhooks.EventCacheMiss, Channel: channel})
}

// Unsubscribe removes the socket from the channel and fires the resulting
// lifecycle events. It is the shared path for explicit unsubscribes and
// connection cleanup.
func (m *Manager) Unsubscribe(ctx context.Context, conn *namespace.Connection, channel string) {
	if !conn.IsSubscribed(channel) {
		return
	}
	app := conn.App
	member, wasPresence := conn.Presence(channel)

	ns := m.adapter.Namespace(app.ID)
	newCount := ns.RemoveFromChannel(conn.SocketID, channel)
	conn.RemoveSubscription(channel)

	if wasPresence {
		// Another socket of the same user keeps the member in the roster.
		roster, err := m.adapter.ChannelMembers(ctx, app.ID, channel)
		if err == nil {
			if _, still := roster[member.UserID]; !still {
				frame, err := protocol.NewMemberRemoved(channel, member.UserID).Encode()
				if err == nil {
					_ = m.adapter.Broadcast(ctx, app.ID, channel, frame, conn.SocketID)
				}
				m.webhooks.Emit(ctx, app, webhooks.Event{
					Name:    webhooks.EventMemberRemoved,
					Channel: channel,
					UserID:  member.UserID,
				})
			}
		}
	}

	if newCount == 0 {
		m.webhooks.Emit(ctx, app, webhooks.Event{Name: webhooks.EventChannelVacated, Channel: channel})
	}
	m.webhooks.Emit(ctx, app, webhooks.Event{
		Name:              webhooks.EventSubscriptionCount,
		Channel:           channel,
		SubscriptionCount: newCount,
	})
}

// HandleClientEvent validates and fans out a client-* event.
func (m *Manager) HandleClientEvent(ctx context.Context, conn *namespace.Connection, msg *protocol.Message) error {
	app := conn.App

	if !app.EnableClientMessages {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "client events are disabled for this app"))
		return fmt.Errorf("client events disabled for app %s", app.ID)
	}
	kind := protocol.KindOf(msg.Channel)
	if kind != protocol.ChannelPrivate && kind != protocol.ChannelPrivateEncrypted && kind != protocol.ChannelPresence {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "client events require a private or presence channel"))
		return fmt.Errorf("client event on public channel %s", msg.Channel)
	}
	if !conn.IsSubscribed(msg.Channel) {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "not subscribed to channel"))
		return fmt.Errorf("client event without subscription on %s", msg.Channel)
	}

	if !m.limiter(conn).Allow() {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeClientEventRate, "client event rate limit exceeded"))
		return fmt.Errorf("client event rate exceeded for %s", conn.SocketID)
	}

	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := m.adapter.Broadcast(ctx, app.ID, msg.Channel, frame, conn.SocketID); err != nil {
		return err
	}

	m.webhooks.Emit(ctx, app, webhooks.Event{
		Name:     webhooks.EventClientEvent,
		Channel:  msg.Channel,
		Event:    msg.Event,
		Data:     msg.Data,
		SocketID: conn.SocketID,
		UserID:   conn.UserID(),
	})
	return nil
}

// limiter returns (creating on first use) the per-socket client-event limiter.
// Burst equals the per-second allowance so the boundary is exact.
func (m *Manager) limiter(conn *namespace.Connection) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[conn.SocketID]
	if !ok {
		n := conn.App.MaxClientEventsPerSecond
		l = rate.NewLimiter(rate.Limit(n), n)
		m.limiters[conn.SocketID] = l
	}
	return l
}

// CleanupConnection tears down everything a closed socket held: channel
// memberships (with their lifecycle events), the user index entry, the
// namespace record, and the rate limiter. Idempotent.
func (m *Manager) CleanupConnection(ctx context.Context, conn *namespace.Connection) {
	for _, channel := range conn.Subscriptions() {
		m.Unsubscribe(ctx, conn, channel)
	}
	ns := m.adapter.Namespace(conn.App.ID)
	ns.RemoveUser(conn)
	ns.RemoveSocket(conn.SocketID)

	m.mu.Lock()
	delete(m.limiters, conn.SocketID)
	m.mu.Unlock()
}
