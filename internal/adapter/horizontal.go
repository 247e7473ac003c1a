package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pulsehub/internal/protocol"
)

// Transport is the backplane a horizontal adapter publishes on. Handlers run
// on the transport's receive goroutine and must not block.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close() error
}

// Remote operation names on the request topic.
const (
	opChannelMembers     = "channel_members"
	opChannelSockets     = "channel_sockets"
	opChannelsWithCounts = "channels_with_counts"
	opSocketCount        = "socket_count"
	opTerminateUser      = "terminate_user"
)

type broadcastEnvelope struct {
	NodeID       string          `json:"node_id"`
	AppID        string          `json:"app_id"`
	Channel      string          `json:"channel"`
	Message      json.RawMessage `json:"message"`
	ExceptSocket string          `json:"except_socket,omitempty"`
}

type requestEnvelope struct {
	RequestID string `json:"request_id"`
	NodeID    string `json:"node_id"`
	AppID     string `json:"app_id"`
	Op        string `json:"op"`
	Channel   string `json:"channel,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type responseEnvelope struct {
	RequestID string                                 `json:"request_id"`
	NodeID    string                                 `json:"node_id"`
	Members   map[string]protocol.PresenceMemberInfo `json:"members,omitempty"`
	Channels  map[string]int                         `json:"channels,omitempty"`
	Count     int                                    `json:"count,omitempty"`
}

type heartbeatEnvelope struct {
	NodeID string `json:"node_id"`
}

type pendingRequest struct {
	replies chan responseEnvelope
}

// HorizontalAdapter wraps a LocalAdapter with a node mesh. Every local
// broadcast is also published on the backplane; peers answer state queries on
// a request/response topic pair; a heartbeat topic maintains the live peer
// set so queries can short-circuit their timeout.
type HorizontalAdapter struct {
	*LocalAdapter

	nodeID    string
	transport Transport
	cfg       Config

	topicBroadcast string
	topicRequests  string
	topicResponses string
	topicNodes     string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	peersMu sync.RWMutex
	peers   map[string]time.Time

	done chan struct{}
}

// NewHorizontalAdapter subscribes to the mesh topics and starts heartbeating.
func NewHorizontalAdapter(local *LocalAdapter, transport Transport, cfg Config) (*HorizontalAdapter, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	h := &HorizontalAdapter{
		LocalAdapter:   local,
		nodeID:         nodeID,
		transport:      transport,
		cfg:            cfg,
		topicBroadcast: cfg.Prefix + "broadcast",
		topicRequests:  cfg.Prefix + "req",
		topicResponses: cfg.Prefix + "res",
		topicNodes:     cfg.Prefix + "nodes",
		pending:        make(map[string]*pendingRequest),
		peers:          make(map[string]time.Time),
		done:           make(chan struct{}),
	}

	if err := transport.Subscribe(h.topicBroadcast, h.onBroadcast); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(h.topicRequests, h.onRequest); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(h.topicResponses, h.onResponse); err != nil {
		return nil, err
	}
	if err := transport.Subscribe(h.topicNodes, h.onHeartbeat); err != nil {
		return nil, err
	}

	go h.heartbeatLoop()
	return h, nil
}

// NodeID returns this process's mesh identity.
func (h *HorizontalAdapter) NodeID() string { return h.nodeID }

func (h *HorizontalAdapter) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	h.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			h.sendHeartbeat()
			h.evictStalePeers()
		case <-h.done:
			return
		}
	}
}

func (h *HorizontalAdapter) sendHeartbeat() {
	payload, _ := json.Marshal(heartbeatEnvelope{NodeID: h.nodeID})
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	if err := h.transport.Publish(ctx, h.topicNodes, payload); err != nil {
		log.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

func (h *HorizontalAdapter) evictStalePeers() {
	cutoff := time.Now().Add(-h.cfg.HeartbeatTimeout)
	h.peersMu.Lock()
	for id, seen := range h.peers {
		if seen.Before(cutoff) {
			delete(h.peers, id)
		}
	}
	h.peersMu.Unlock()
}

func (h *HorizontalAdapter) onHeartbeat(payload []byte) {
	var hb heartbeatEnvelope
	if err := json.Unmarshal(payload, &hb); err != nil || hb.NodeID == h.nodeID {
		return
	}
	h.peersMu.Lock()
	h.peers[hb.NodeID] = time.Now()
	h.peersMu.Unlock()
}

// peerCount is the number of live peers expected to answer a request.
func (h *HorizontalAdapter) peerCount() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

// Broadcast fans out locally first, so the publisher's own subscribers see
// the event before any peer, then publishes the envelope mesh-wide.
func (h *HorizontalAdapter) Broadcast(ctx context.Context, appID, channel string, data []byte, exceptSocket string) error {
	if err := h.LocalAdapter.Broadcast(ctx, appID, channel, data, exceptSocket); err != nil {
		return err
	}
	payload, err := json.Marshal(broadcastEnvelope{
		NodeID:       h.nodeID,
		AppID:        appID,
		Channel:      channel,
		Message:      data,
		ExceptSocket: exceptSocket,
	})
	if err != nil {
		return err
	}
	if err := h.transport.Publish(ctx, h.topicBroadcast, payload); err != nil {
		// Local subscribers were already served; peers lose this event.
		log.Error().Err(err).Str("channel", channel).Msg("backplane publish failed")
		return err
	}
	return nil
}

func (h *HorizontalAdapter) onBroadcast(payload []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("malformed broadcast envelope")
		return
	}
	if env.NodeID == h.nodeID {
		return
	}
	// Socket ids are node-local, so the exclusion only matters on the origin
	// node; peers still honor it in case of id collision.
	_ = h.LocalAdapter.Broadcast(context.Background(), env.AppID, env.Channel, env.Message, env.ExceptSocket)
}

func (h *HorizontalAdapter) onRequest(payload []byte) {
	var req requestEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Msg("malformed request envelope")
		return
	}
	if req.NodeID == h.nodeID {
		return
	}

	resp := responseEnvelope{RequestID: req.RequestID, NodeID: h.nodeID}
	ns := h.Namespace(req.AppID)
	switch req.Op {
	case opChannelMembers:
		resp.Members = ns.ChannelMembers(req.Channel)
	case opChannelSockets:
		resp.Count = ns.ChannelSocketCount(req.Channel)
	case opChannelsWithCounts:
		resp.Channels = ns.ChannelsWithSocketCount()
	case opSocketCount:
		resp.Count = ns.SocketCount()
	case opTerminateUser:
		conns := ns.UserSockets(req.UserID)
		for _, conn := range conns {
			conn.Close(protocol.CloseGoingAway, "terminated by app")
		}
		resp.Count = len(conns)
	default:
		log.Warn().Str("op", req.Op).Msg("unknown mesh request op")
		return
	}

	out, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()
	if err := h.transport.Publish(ctx, h.topicResponses, out); err != nil {
		log.Warn().Err(err).Msg("mesh response publish failed")
	}
}

func (h *HorizontalAdapter) onResponse(payload []byte) {
	var resp responseEnvelope
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	if resp.NodeID == h.nodeID {
		return
	}
	h.pendingMu.Lock()
	p, ok := h.pending[resp.RequestID]
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case p.replies <- resp:
	default:
	}
}

// request publishes an op and accumulates replies until every live peer has
// answered or the deadline expires; partial results are returned on expiry.
func (h *HorizontalAdapter) request(ctx context.Context, req requestEnvelope) []responseEnvelope {
	expected := h.peerCount()
	if expected == 0 {
		return nil
	}

	req.RequestID = uuid.NewString()
	req.NodeID = h.nodeID

	p := &pendingRequest{replies: make(chan responseEnvelope, expected)}
	h.pendingMu.Lock()
	h.pending[req.RequestID] = p
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, req.RequestID)
		h.pendingMu.Unlock()
	}()

	payload, _ := json.Marshal(req)
	if err := h.transport.Publish(ctx, h.topicRequests, payload); err != nil {
		log.Error().Err(err).Str("op", req.Op).Msg("mesh request publish failed")
		return nil
	}

	deadline := time.NewTimer(h.cfg.RequestTimeout)
	defer deadline.Stop()

	var replies []responseEnvelope
	for len(replies) < expected {
		select {
		case resp := <-p.replies:
			replies = append(replies, resp)
		case <-deadline.C:
			return replies
		case <-ctx.Done():
			return replies
		}
	}
	return replies
}

func (h *HorizontalAdapter) ChannelMembers(ctx context.Context, appID, channel string) (map[string]protocol.PresenceMemberInfo, error) {
	members, _ := h.LocalAdapter.ChannelMembers(ctx, appID, channel)
	for _, resp := range h.request(ctx, requestEnvelope{AppID: appID, Op: opChannelMembers, Channel: channel}) {
		for id, info := range resp.Members {
			members[id] = info
		}
	}
	return members, nil
}

func (h *HorizontalAdapter) ChannelSocketCount(ctx context.Context, appID, channel string) (int, error) {
	count, _ := h.LocalAdapter.ChannelSocketCount(ctx, appID, channel)
	for _, resp := range h.request(ctx, requestEnvelope{AppID: appID, Op: opChannelSockets, Channel: channel}) {
		count += resp.Count
	}
	return count, nil
}

func (h *HorizontalAdapter) ChannelsWithSocketCount(ctx context.Context, appID string) (map[string]int, error) {
	channels, _ := h.LocalAdapter.ChannelsWithSocketCount(ctx, appID)
	for _, resp := range h.request(ctx, requestEnvelope{AppID: appID, Op: opChannelsWithCounts}) {
		for ch, n := range resp.Channels {
			channels[ch] += n
		}
	}
	return channels, nil
}

func (h *HorizontalAdapter) SocketCount(ctx context.Context, appID string) (int, error) {
	count, _ := h.LocalAdapter.SocketCount(ctx, appID)
	for _, resp := range h.request(ctx, requestEnvelope{AppID: appID, Op: opSocketCount}) {
		count += resp.Count
	}
	return count, nil
}

func (h *HorizontalAdapter) TerminateUser(ctx context.Context, appID, userID string) error {
	if err := h.LocalAdapter.TerminateUser(ctx, appID, userID); err != nil {
		return err
	}
	h.request(ctx, requestEnvelope{AppID: appID, Op: opTerminateUser, UserID: userID})
	return nil
}

func (h *HorizontalAdapter) Close() error {
	close(h.done)
	return h.transport.Close()
}
