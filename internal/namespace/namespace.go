package namespace

import (
	"sync"

	"pulsehub/internal/protocol"
)

// Namespace is the authoritative per-app state on one node. A single
// reader/writer lock guards all three indexes; mutations are short and never
// block on I/O while holding it. All returned collections are snapshots.
type Namespace struct {
	appID string

	mu       sync.RWMutex
	sockets  map[string]*Connection
	channels map[string]map[string]struct{}
	users    map[string]map[string]struct{}
}

// New returns an empty namespace for one app.
func New(appID string) *Namespace {
	return &Namespace{
		appID:    appID,
		sockets:  make(map[string]*Connection),
		channels: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
	}
}

// AppID returns the owning app id.
func (n *Namespace) AppID() string { return n.appID }

// AddSocket registers a connection.
func (n *Namespace) AddSocket(conn *Connection) {
	n.mu.Lock()
	n.sockets[conn.SocketID] = conn
	n.mu.Unlock()
}

// RemoveSocket unregisters a connection and returns it, or nil if unknown.
// Channel and user index entries are cleaned by the caller via
// RemoveFromChannel/RemoveUser so lifecycle events can fire per channel.
func (n *Namespace) RemoveSocket(socketID string) *Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, ok := n.sockets[socketID]
	if !ok {
		return nil
	}
	delete(n.sockets, socketID)
	return conn
}

// Socket looks up a live connection.
func (n *Namespace) Socket(socketID string) (*Connection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	conn, ok := n.sockets[socketID]
	return conn, ok
}

// SocketCount returns the number of live connections.
func (n *Namespace) SocketCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sockets)
}

// Sockets returns a snapshot of all live connections.
func (n *Namespace) Sockets() []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Connection, 0, len(n.sockets))
	for _, c := range n.sockets {
		out = append(out, c)
	}
	return out
}

// AddToChannel joins a socket to a channel and returns the channel's new
// member count. The channel entry is created lazily.
func (n *Namespace) AddToChannel(socketID, channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		n.channels[channel] = set
	}
	set[socketID] = struct{}{}
	return len(set)
}

// RemoveFromChannel drops a socket from a channel and returns the remaining
// count. An empty channel entry is deleted.
func (n *Namespace) RemoveFromChannel(socketID, channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.channels[channel]
	if !ok {
		return 0
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(n.channels, channel)
		return 0
	}
	return len(set)
}

// ChannelSockets returns a snapshot of the connections in a channel.
func (n *Namespace) ChannelSockets(channel string) []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.channels[channel]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		if conn, ok := n.sockets[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// ChannelSocketCount returns the member count of a channel.
func (n *Namespace) ChannelSocketCount(channel string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.channels[channel])
}

// ChannelMembers returns the presence roster of a channel keyed by user id.
func (n *Namespace) ChannelMembers(channel string) map[string]protocol.PresenceMemberInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]protocol.PresenceMemberInfo)
	for id := range n.channels[channel] {
		conn, ok := n.sockets[id]
		if !ok {
			continue
		}
		if info, ok := conn.Presence(channel); ok {
			out[info.UserID] = info
		}
	}
	return out
}

// ChannelsWithSocketCount snapshots every occupied channel and its count.
func (n *Namespace) ChannelsWithSocketCount() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]int, len(n.channels))
	for ch, set := range n.channels {
		out[ch] = len(set)
	}
	return out
}

// AddUser indexes a signed-in connection under its user id.
func (n *Namespace) AddUser(conn *Connection) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	n.mu.Lock()
	set, ok := n.users[userID]
	if !ok {
		set = make(map[string]struct{})
		n.users[userID] = set
	}
	set[conn.SocketID] = struct{}{}
	n.mu.Unlock()
}

// RemoveUser drops a connection from the user index.
func (n *Namespace) RemoveUser(conn *Connection) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	n.mu.Lock()
	if set, ok := n.users[userID]; ok {
		delete(set, conn.SocketID)
		if len(set) == 0 {
			delete(n.users, userID)
		}
	}
	n.mu.Unlock()
}

// UserSockets returns a snapshot of the connections bound to a user.
func (n *Namespace) UserSockets(userID string) []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.users[userID]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		if conn, ok := n.sockets[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}
