package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/config"
	"pulsehub/internal/adapter"
	"pulsehub/internal/apps"
	"pulsehub/internal/auth"
	"pulsehub/internal/cache"
	"pulsehub/internal/channels"
	"pulsehub/internal/protocol"
	"pulsehub/internal/queue"
	"pulsehub/internal/webhooks"
)

type wsFixture struct {
	server  *httptest.Server
	handler *Handler
	adapter adapter.Adapter
	app     *apps.App
}

func newWSFixture(t *testing.T) *wsFixture {
	return newWSFixtureConfig(t, Config{ActivityTimeout: 120 * time.Second}, nil)
}

func newWSFixtureConfig(t *testing.T, cfg Config, tweak func(*apps.App)) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app := &apps.App{
		ID:                       "app1",
		Key:                      "key",
		Secret:                   "secret",
		Enabled:                  true,
		EnableClientMessages:     true,
		EnableUserAuthentication: true,
	}
	if tweak != nil {
		tweak(app)
	}
	app.ApplyDefaults()
	registry := apps.NewMemoryManager([]apps.App{*app})

	a := adapter.NewLocalAdapter()
	pipeline := webhooks.NewPipeline(queue.NewMemoryQueue(), cache.NewMemoryCache(), webhooks.BatchingConfig{})
	manager := channels.NewManager(a, cache.NewMemoryCache(), pipeline)
	handler := NewHandler(registry, a, manager, config.GetMetrics(), cfg)

	r := gin.New()
	r.GET("/app/:app_key", handler.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsFixture{server: srv, handler: handler, adapter: a, app: app}
}

func (f *wsFixture) dial(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/app/" + key
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Parse(raw)
	require.NoError(t, err)
	return msg
}

// handshake reads the connection_established frame and returns the socket id.
func handshake(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	msg := readFrame(t, ws)
	require.Equal(t, protocol.EventConnectionEstablished, msg.Event)

	var inner struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.StringData()), &inner))
	require.NotEmpty(t, inner.SocketID)
	require.Equal(t, 120, inner.ActivityTimeout)
	return inner.SocketID
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]interface{}{"event": event, "data": json.RawMessage(payload)})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestConnectionEstablished(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	handshake(t, ws)
}

func TestUnknownAppKeyClosedWith4001(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "ghost")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAppNotFound, closeErr.Code)
}

func TestPingPong(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	handshake(t, ws)

	send(t, ws, protocol.EventPing, map[string]string{})
	msg := readFrame(t, ws)
	assert.Equal(t, protocol.EventPong, msg.Event)
}

func TestSubscribePublicChannel(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	handshake(t, ws)

	send(t, ws, protocol.EventSubscribe, map[string]string{"channel": "room"})
	msg := readFrame(t, ws)
	assert.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
	assert.Equal(t, "room", msg.Channel)
}

func TestSubscribePrivateChannelRequiresSignature(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	socketID := handshake(t, ws)

	// Garbage token first.
	send(t, ws, protocol.EventSubscribe, map[string]string{
		"channel": "private-room",
		"auth":    "key:bogus",
	})
	msg := readFrame(t, ws)
	require.Equal(t, protocol.EventError, msg.Event)

	// Then a real one.
	token := "key:" + auth.Sign("secret", auth.ChannelAuthString(socketID, "private-room", ""))
	send(t, ws, protocol.EventSubscribe, map[string]string{
		"channel": "private-room",
		"auth":    token,
	})
	msg = readFrame(t, ws)
	assert.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
}

func TestSigninFlow(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	socketID := handshake(t, ws)

	userData := `{"id":"u1","name":"One"}`
	token := "key:" + auth.Sign("secret", auth.SigninAuthString(socketID, userData))
	send(t, ws, protocol.EventSignin, map[string]string{
		"auth":      token,
		"user_data": userData,
	})
	msg := readFrame(t, ws)
	assert.Equal(t, protocol.EventSigninSuccess, msg.Event)

	// A second signin is refused without closing the socket.
	send(t, ws, protocol.EventSignin, map[string]string{
		"auth":      token,
		"user_data": userData,
	})
	msg = readFrame(t, ws)
	require.Equal(t, protocol.EventError, msg.Event)
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, protocol.ErrCodeAlreadySignedIn, body.Code)

	// Socket still works.
	send(t, ws, protocol.EventPing, map[string]string{})
	assert.Equal(t, protocol.EventPong, readFrame(t, ws).Event)
}

func TestUnknownEventAnswersError(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	handshake(t, ws)

	send(t, ws, "pusher:launch-missiles", map[string]string{})
	msg := readFrame(t, ws)
	require.Equal(t, protocol.EventError, msg.Event)
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, protocol.ErrCodeUnknownEvent, body.Code)
}

func TestClientEventBetweenSockets(t *testing.T) {
	f := newWSFixture(t)

	first := f.dial(t, "key")
	firstID := handshake(t, first)
	second := f.dial(t, "key")
	secondID := handshake(t, second)

	for ws, id := range map[*websocket.Conn]string{first: firstID, second: secondID} {
		token := "key:" + auth.Sign("secret", auth.ChannelAuthString(id, "private-room", ""))
		send(t, ws, protocol.EventSubscribe, map[string]string{"channel": "private-room", "auth": token})
		require.Equal(t, protocol.EventSubscriptionSucceeded, readFrame(t, ws).Event)
	}

	frame, _ := json.Marshal(map[string]interface{}{
		"event":   "client-typing",
		"channel": "private-room",
		"data":    map[string]bool{"typing": true},
	})
	require.NoError(t, first.WriteMessage(websocket.TextMessage, frame))

	msg := readFrame(t, second)
	assert.Equal(t, "client-typing", msg.Event)
	assert.Equal(t, "private-room", msg.Channel)
}

func TestShutdownClosesSocketsWith1001(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "key")
	handshake(t, ws)

	f.handler.Shutdown()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseGoingAway, closeErr.Code)
}

func TestOverCapacityClosedWith4004(t *testing.T) {
	f := newWSFixtureConfig(t, Config{}, func(app *apps.App) {
		app.MaxConnections = 2
	})

	first := f.dial(t, "key")
	handshake(t, first)
	second := f.dial(t, "key")
	handshake(t, second)

	third := f.dial(t, "key")
	require.NoError(t, third.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := third.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseOverCapacity, closeErr.Code)

	// The admitted sockets are untouched.
	count, err := f.adapter.SocketCount(context.Background(), f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIdleSocketPingedThenClosedWith4201(t *testing.T) {
	f := newWSFixtureConfig(t, Config{
		ActivityTimeout: 50 * time.Millisecond,
		PingWait:        50 * time.Millisecond,
		IdleCheck:       10 * time.Millisecond,
	}, nil)
	ws := f.dial(t, "key")
	require.Equal(t, protocol.EventConnectionEstablished, readFrame(t, ws).Event)

	// Stay silent: the server pings once past the activity window.
	require.Equal(t, protocol.EventPing, readFrame(t, ws).Event)

	// And closes once the grace runs out without a pong.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.ClosePingTimeout, closeErr.Code)
}

func TestDisabledAppClosedWith4003(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &apps.App{ID: "app2", Key: "key2", Secret: "s", Enabled: false}
	app.ApplyDefaults()
	registry := apps.NewMemoryManager([]apps.App{*app})
	a := adapter.NewLocalAdapter()
	pipeline := webhooks.NewPipeline(queue.NewMemoryQueue(), cache.NewMemoryCache(), webhooks.BatchingConfig{})
	manager := channels.NewManager(a, cache.NewMemoryCache(), pipeline)
	handler := NewHandler(registry, a, manager, config.GetMetrics(), Config{})

	r := gin.New()
	r.GET("/app/:app_key", handler.Serve)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/key2"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAppDisabled, closeErr.Code)
}
