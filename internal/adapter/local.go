package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"pulsehub/config"
	"pulsehub/internal/namespace"
	"pulsehub/internal/protocol"
)

// LocalAdapter dispatches over this node's namespaces only.
type LocalAdapter struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace.Namespace
}

// NewLocalAdapter returns an adapter with no namespaces yet; they are created
// lazily per app.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{namespaces: make(map[string]*namespace.Namespace)}
}

func (a *LocalAdapter) Namespace(appID string) *namespace.Namespace {
	a.mu.RLock()
	ns, ok := a.namespaces[appID]
	a.mu.RUnlock()
	if ok {
		return ns
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ns, ok = a.namespaces[appID]; ok {
		return ns
	}
	ns = namespace.New(appID)
	a.namespaces[appID] = ns
	return ns
}

// Namespaces snapshots all live namespaces, for shutdown.
func (a *LocalAdapter) Namespaces() []*namespace.Namespace {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*namespace.Namespace, 0, len(a.namespaces))
	for _, ns := range a.namespaces {
		out = append(out, ns)
	}
	return out
}

// Broadcast pushes an already-encoded frame to every local subscriber except
// exceptSocket. Delivery is best effort per socket: a writer over its
// high-water mark is closed with 4200 and will be cleaned up by its handler.
func (a *LocalAdapter) Broadcast(ctx context.Context, appID, channel string, data []byte, exceptSocket string) error {
	sent := 0
	for _, conn := range a.Namespace(appID).ChannelSockets(channel) {
		if conn.SocketID == exceptSocket {
			continue
		}
		if err := conn.Send(data); err != nil {
			log.Warn().Err(err).
				Str("app", appID).
				Str("channel", channel).
				Str("socket", conn.SocketID).
				Msg("dropping slow subscriber")
			if errors.Is(err, namespace.ErrBackpressure) {
				conn.Close(protocol.CloseBackpressure, "send buffer overflow")
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		config.ProcessCounters.MessagesSent.Add(int64(sent))
		config.GetMetrics().WsMessagesSent.WithLabelValues(appID).Add(float64(sent))
	}
	return nil
}

func (a *LocalAdapter) Send(appID, socketID string, data []byte) error {
	conn, ok := a.Namespace(appID).Socket(socketID)
	if !ok {
		return errors.New("socket not found")
	}
	return conn.Send(data)
}

func (a *LocalAdapter) Disconnect(appID, socketID string, code int, reason string) {
	if conn, ok := a.Namespace(appID).Socket(socketID); ok {
		conn.Close(code, reason)
	}
}

func (a *LocalAdapter) ChannelMembers(ctx context.Context, appID, channel string) (map[string]protocol.PresenceMemberInfo, error) {
	return a.Namespace(appID).ChannelMembers(channel), nil
}

func (a *LocalAdapter) ChannelSocketCount(ctx context.Context, appID, channel string) (int, error) {
	return a.Namespace(appID).ChannelSocketCount(channel), nil
}

func (a *LocalAdapter) ChannelsWithSocketCount(ctx context.Context, appID string) (map[string]int, error) {
	return a.Namespace(appID).ChannelsWithSocketCount(), nil
}

func (a *LocalAdapter) SocketCount(ctx context.Context, appID string) (int, error) {
	return a.Namespace(appID).SocketCount(), nil
}

// TerminateUser closes every local socket bound to the user. The close makes
// each socket's read loop exit, which runs the usual cleanup path.
func (a *LocalAdapter) TerminateUser(ctx context.Context, appID, userID string) error {
	for _, conn := range a.Namespace(appID).UserSockets(userID) {
		conn.Close(protocol.CloseGoingAway, "terminated by app")
	}
	return nil
}

func (a *LocalAdapter) Close() error { return nil }
