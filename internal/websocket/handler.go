// Package websocket accepts client connections on /app/:app_key and runs the
// per-socket protocol loop.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pulsehub/config"
	"pulsehub/internal/adapter"
	"pulsehub/internal/apps"
	"pulsehub/internal/auth"
	"pulsehub/internal/channels"
	"pulsehub/internal/namespace"
	"pulsehub/internal/protocol"
)

const (
	maxFrameSize = 64 * 1024

	defaultActivityTimeout = 120 * time.Second
	// Grace after an idle ping before the socket is closed with 4201.
	defaultPingWait = 30 * time.Second
	// Watchdog granularity.
	defaultIdleCheck = 10 * time.Second
)

// Config holds the watchdog timings. ActivityTimeout is what the server
// advertises in pusher:connection_established; zero values fall back to the
// defaults.
type Config struct {
	ActivityTimeout time.Duration
	PingWait        time.Duration
	IdleCheck       time.Duration
}

// Handler upgrades HTTP requests and drives the protocol state machine for
// each socket.
type Handler struct {
	apps            apps.Manager
	adapter         adapter.Adapter
	channels        *channels.Manager
	metrics         *config.Metrics
	activityTimeout time.Duration
	pingWait        time.Duration
	idleCheck       time.Duration
	upgrader        websocket.Upgrader

	mu        sync.Mutex
	accepting bool
	conns     map[*namespace.Connection]struct{}
}

// NewHandler wires the handler.
func NewHandler(appManager apps.Manager, a adapter.Adapter, ch *channels.Manager, m *config.Metrics, cfg Config) *Handler {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = defaultPingWait
	}
	if cfg.IdleCheck <= 0 {
		cfg.IdleCheck = defaultIdleCheck
	}
	return &Handler{
		apps:            appManager,
		adapter:         a,
		channels:        ch,
		metrics:         m,
		activityTimeout: cfg.ActivityTimeout,
		pingWait:        cfg.PingWait,
		idleCheck:       cfg.IdleCheck,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; channel access
			// is gated by signatures, not by Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		accepting: true,
		conns:     make(map[*namespace.Connection]struct{}),
	}
}

// Serve is the gin handler for GET /app/:app_key.
func (h *Handler) Serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Error paths after the upgrade speak the protocol: a close frame with
	// the mandated code, never a bare HTTP status.
	app, err := h.apps.FindByKey(c.Request.Context(), c.Param("app_key"))
	if err != nil {
		closeAndDrop(ws, protocol.CloseAppNotFound, "application does not exist")
		return
	}
	if !app.Enabled {
		closeAndDrop(ws, protocol.CloseAppDisabled, "application is disabled")
		return
	}
	if app.MaxConnections > 0 {
		count, err := h.adapter.SocketCount(c.Request.Context(), app.ID)
		if err == nil && count >= app.MaxConnections {
			closeAndDrop(ws, protocol.CloseOverCapacity, "application is over its connection quota")
			return
		}
	}

	conn := namespace.NewConnection(app, ws)
	if !h.track(conn) {
		closeAndDrop(ws, protocol.CloseGoingAway, "server is shutting down")
		return
	}
	h.adapter.Namespace(app.ID).AddSocket(conn)

	h.metrics.WebsocketConnections.Inc()
	config.ProcessCounters.Connections.Add(1)

	go conn.WritePump()
	go h.watchdog(conn)

	if err := conn.SendMessage(protocol.NewConnectionEstablished(conn.SocketID, int(h.activityTimeout.Seconds()))); err != nil {
		log.Warn().Err(err).Str("socket", conn.SocketID).Msg("handshake frame undeliverable")
	}

	go h.readLoop(ws, conn)
}

// track registers a live connection; it refuses once shutdown started.
func (h *Handler) track(conn *namespace.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.accepting {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Handler) untrack(conn *namespace.Connection) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown stops accepting sockets and closes every live one with 1001.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.accepting = false
	live := make([]*namespace.Connection, 0, len(h.conns))
	for conn := range h.conns {
		live = append(live, conn)
	}
	h.mu.Unlock()

	for _, conn := range live {
		conn.Close(protocol.CloseGoingAway, "server is shutting down")
	}
}

func (h *Handler) readLoop(ws *websocket.Conn, conn *namespace.Connection) {
	defer h.cleanup(conn)

	ws.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("socket", conn.SocketID).Msg("websocket read ended")
			}
			return
		}
		conn.TouchPing()
		h.metrics.WsMessagesReceived.WithLabelValues(conn.App.ID).Inc()
		config.ProcessCounters.MessagesReceived.Add(1)

		msg, err := protocol.Parse(raw)
		if err != nil {
			_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "malformed frame"))
			continue
		}
		h.dispatch(conn, msg)
	}
}

// dispatch routes one inbound frame. Protocol violations answer with a
// pusher:error frame and leave the socket open, per the reference servers.
func (h *Handler) dispatch(conn *namespace.Connection, msg *protocol.Message) {
	ctx := context.Background()

	switch {
	case msg.Event == protocol.EventPing:
		_ = conn.SendMessage(protocol.NewPong())

	case msg.Event == protocol.EventPong:
		// TouchPing in the read loop already credited the activity.

	case msg.Event == protocol.EventSubscribe:
		var payload protocol.SubscribePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "malformed subscribe payload"))
			return
		}
		if err := h.channels.Subscribe(ctx, conn, payload); err != nil {
			log.Debug().Err(err).Str("socket", conn.SocketID).Msg("subscribe rejected")
		}

	case msg.Event == protocol.EventUnsubscribe:
		var payload protocol.UnsubscribePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "malformed unsubscribe payload"))
			return
		}
		h.channels.Unsubscribe(ctx, conn, payload.Channel)

	case msg.Event == protocol.EventSignin:
		h.handleSignin(conn, msg)

	case protocol.IsClientEvent(msg.Event):
		if err := h.channels.HandleClientEvent(ctx, conn, msg); err != nil {
			log.Debug().Err(err).Str("socket", conn.SocketID).Msg("client event rejected")
		}

	default:
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "unknown event "+msg.Event))
	}
}

func (h *Handler) handleSignin(conn *namespace.Connection, msg *protocol.Message) {
	app := conn.App

	var payload protocol.SigninPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "malformed signin payload"))
		return
	}
	if conn.UserID() != "" {
		// The first binding wins; a second signin is refused without
		// disturbing the existing one.
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeAlreadySignedIn, "connection already signed in"))
		return
	}
	if !app.EnableUserAuthentication {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "user authentication is disabled for this app"))
		return
	}
	if !auth.VerifySignin(app.Key, app.Secret, payload.Auth, conn.SocketID, payload.UserData) {
		_ = conn.SendMessage(protocol.NewError(protocol.CloseSubscriptionAuth, "signin authorization failed"))
		return
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload.UserData), &user); err != nil || user.ID == "" {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeUnknownEvent, "user_data must carry an id"))
		return
	}
	if err := conn.BindUser(user.ID, json.RawMessage(payload.UserData)); err != nil {
		_ = conn.SendMessage(protocol.NewError(protocol.ErrCodeAlreadySignedIn, "connection already signed in"))
		return
	}
	h.adapter.Namespace(app.ID).AddUser(conn)

	inner, _ := json.Marshal(map[string]string{"user_data": payload.UserData})
	data, _ := json.Marshal(string(inner))
	_ = conn.SendMessage(&protocol.Message{Event: protocol.EventSigninSuccess, Data: data})
}

// watchdog enforces the activity timeout: past the advertised window it pings
// once, and past the additional grace it closes the socket with 4201.
func (h *Handler) watchdog(conn *namespace.Connection) {
	ticker := time.NewTicker(h.idleCheck)
	defer ticker.Stop()

	pinged := false
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			idle := time.Since(conn.LastPing())
			switch {
			case idle > h.activityTimeout+h.pingWait:
				conn.Close(protocol.ClosePingTimeout, "pong not received")
				return
			case idle > h.activityTimeout && !pinged:
				_ = conn.SendMessage(&protocol.Message{Event: protocol.EventPing})
				pinged = true
			case idle <= h.activityTimeout:
				pinged = false
			}
		}
	}
}

// cleanup tears the socket down exactly once, firing the channel lifecycle
// events unsubscription implies.
func (h *Handler) cleanup(conn *namespace.Connection) {
	conn.Close(websocket.CloseNormalClosure, "")
	h.untrack(conn)
	h.channels.CleanupConnection(context.Background(), conn)

	h.metrics.WebsocketConnections.Dec()
	config.ProcessCounters.Connections.Add(-1)
}

// closeAndDrop answers a doomed upgrade with a protocol close frame.
func closeAndDrop(ws *websocket.Conn, code int, reason string) {
	payload := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
	_ = ws.Close()
}
