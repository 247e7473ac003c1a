package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/internal/apps"
	"pulsehub/internal/auth"
	"pulsehub/internal/cache"
	"pulsehub/internal/queue"
)

type capturedRequest struct {
	body    []byte
	headers http.Header
}

func newSink(t *testing.T) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	received := make(chan capturedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- capturedRequest{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func sinkApp(url string, eventTypes []string) *apps.App {
	app := &apps.App{
		ID:      "app1",
		Key:     "key",
		Secret:  "secret",
		Enabled: true,
		Webhooks: []apps.Webhook{{
			URL:        url,
			EventTypes: eventTypes,
			Headers:    map[string]string{"X-Custom": "yes"},
		}},
	}
	app.ApplyDefaults()
	return app
}

func startPipeline(t *testing.T, batching BatchingConfig) *Pipeline {
	t.Helper()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Disconnect(context.Background()) })
	p := NewPipeline(q, cache.NewMemoryCache(), batching)
	require.NoError(t, p.Start(1))
	return p
}

func waitRequest(t *testing.T, received chan capturedRequest) capturedRequest {
	t.Helper()
	select {
	case req := <-received:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
		return capturedRequest{}
	}
}

func assertNoRequest(t *testing.T, received chan capturedRequest) {
	t.Helper()
	select {
	case <-received:
		t.Fatal("unexpected webhook delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBatchingCollapsesIntoOnePost(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventChannelOccupied, EventChannelVacated})
	p := startPipeline(t, BatchingConfig{Enabled: true, Duration: 20 * time.Millisecond})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "room-a"})
	p.Emit(ctx, app, Event{Name: EventChannelVacated, Channel: "room-b"})

	req := waitRequest(t, received)
	var payload Payload
	require.NoError(t, json.Unmarshal(req.body, &payload))
	require.Len(t, payload.Events, 2)
	assert.Equal(t, EventChannelOccupied, payload.Events[0].Name)
	assert.Equal(t, EventChannelVacated, payload.Events[1].Name)
	assert.NotZero(t, payload.TimeMS)

	assertNoRequest(t, received)
}

func TestDeliverySignatureAndHeaders(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventClientEvent})
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	p.Emit(ctx, app, Event{
		Name:    EventClientEvent,
		Channel: "private-room",
		Event:   "client-typing",
		Data:    json.RawMessage(`{"typing":true}`),
	})

	req := waitRequest(t, received)
	assert.Equal(t, "key", req.headers.Get("X-Pusher-Key"))
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "yes", req.headers.Get("X-Custom"))
	assert.Equal(t, auth.Sign("secret", string(req.body)), req.headers.Get("X-Pusher-Signature"))

	var payload Payload
	require.NoError(t, json.Unmarshal(req.body, &payload))
	require.Len(t, payload.Events, 1)
	assert.Equal(t, "client-typing", payload.Events[0].Event)
}

func TestEventTypeFilter(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventMemberAdded})
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "presence-room"})
	assertNoRequest(t, received)

	p.Emit(ctx, app, Event{Name: EventMemberAdded, Channel: "presence-room", UserID: "u1"})
	req := waitRequest(t, received)
	var payload Payload
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, "u1", payload.Events[0].UserID)
}

func TestChannelPrefixFilter(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventChannelOccupied})
	app.Webhooks[0].Filter.ChannelPrefix = "presence-"
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "room"})
	assertNoRequest(t, received)

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "presence-room"})
	req := waitRequest(t, received)
	assert.Contains(t, string(req.body), "presence-room")
}

func TestDuplicateSuppression(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventChannelOccupied})
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "room"})
	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "room"})

	waitRequest(t, received)
	assertNoRequest(t, received)
}

func TestSubscriptionCountChangesAllDeliver(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventSubscriptionCount})
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventSubscriptionCount, Channel: "room", SubscriptionCount: 1})
	p.Emit(ctx, app, Event{Name: EventSubscriptionCount, Channel: "room", SubscriptionCount: 2})

	counts := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := waitRequest(t, received)
		var payload Payload
		require.NoError(t, json.Unmarshal(req.body, &payload))
		require.Len(t, payload.Events, 1)
		counts = append(counts, payload.Events[0].SubscriptionCount)
	}
	assert.ElementsMatch(t, []int{1, 2}, counts)
}

func TestFilteredEmitDoesNotSuppressLaterDelivery(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventMemberAdded})
	p := startPipeline(t, BatchingConfig{})
	ctx := context.Background()

	event := Event{Name: EventChannelOccupied, Channel: "presence-room"}
	p.Emit(ctx, app, event)
	assertNoRequest(t, received)

	// Endpoint starts accepting the type within the suppression window; the
	// earlier filtered emit must not have recorded a fingerprint.
	app.Webhooks[0].EventTypes = []string{EventChannelOccupied}
	p.Emit(ctx, app, event)
	req := waitRequest(t, received)
	assert.Contains(t, string(req.body), EventChannelOccupied)
}

func TestFlushAllDrainsPendingBatches(t *testing.T) {
	srv, received := newSink(t)
	app := sinkApp(srv.URL, []string{EventChannelOccupied})
	// A very long window: only FlushAll can get the batch out in time.
	p := startPipeline(t, BatchingConfig{Enabled: true, Duration: time.Hour})
	ctx := context.Background()

	p.Emit(ctx, app, Event{Name: EventChannelOccupied, Channel: "room"})
	p.FlushAll()

	req := waitRequest(t, received)
	assert.Contains(t, string(req.body), EventChannelOccupied)
}

func TestAppsWithoutWebhooksAreSkipped(t *testing.T) {
	_, received := newSink(t)
	app := &apps.App{ID: "app1", Key: "key", Secret: "secret", Enabled: true}
	app.ApplyDefaults()
	p := startPipeline(t, BatchingConfig{})

	p.Emit(context.Background(), app, Event{Name: EventChannelOccupied, Channel: "room"})
	assertNoRequest(t, received)
}
