// Package httpapi implements the signed REST surface backends use to publish
// events and inspect channel state.
package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pulsehub/config"
	"pulsehub/internal/adapter"
	"pulsehub/internal/apps"
	"pulsehub/internal/channels"
	"pulsehub/internal/protocol"
)

const (
	maxChannelsPerEvent = 100
	maxBatchSize        = 10
	maxEventNameLength  = 200
	maxEventPayload     = 10 * 1024
)

// Controller serves the /apps/:app_id endpoints. The signature middleware has
// already resolved the app and stashed it in the gin context.
type Controller struct {
	apps     apps.Manager
	adapter  adapter.Adapter
	channels *channels.Manager
	metrics  *config.Metrics

	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	readLimiters map[string]*rate.Limiter
}

// NewController wires the API against the shared adapter and channel manager.
func NewController(appManager apps.Manager, a adapter.Adapter, ch *channels.Manager, m *config.Metrics) *Controller {
	return &Controller{
		apps:         appManager,
		adapter:      a,
		channels:     ch,
		metrics:      m,
		limiters:     make(map[string]*rate.Limiter),
		readLimiters: make(map[string]*rate.Limiter),
	}
}

// AppFromContext returns the app the signature middleware resolved.
func AppFromContext(c *gin.Context) *apps.App {
	v, _ := c.Get("app")
	app, _ := v.(*apps.App)
	return app
}

type eventRequest struct {
	Name     string          `json:"name" binding:"required"`
	Data     json.RawMessage `json:"data" binding:"required"`
	Channels []string        `json:"channels,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Info     string          `json:"info,omitempty"`
}

func (r *eventRequest) targets() []string {
	if len(r.Channels) > 0 {
		return r.Channels
	}
	if r.Channel != "" {
		return []string{r.Channel}
	}
	return nil
}

// TriggerEvent handles POST /apps/:app_id/events.
func (ct *Controller) TriggerEvent(c *gin.Context) {
	app := AppFromContext(c)

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and data are required"})
		return
	}
	if resp, ok := ct.publish(c, app, &req); ok {
		c.JSON(http.StatusOK, resp)
	}
}

// TriggerBatch handles POST /apps/:app_id/batch_events.
func (ct *Controller) TriggerBatch(c *gin.Context) {
	app := AppFromContext(c)

	var req struct {
		Batch []eventRequest `json:"batch" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch is required"})
		return
	}
	if len(req.Batch) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch is limited to 10 events"})
		return
	}

	infos := make([]gin.H, 0, len(req.Batch))
	for i := range req.Batch {
		resp, ok := ct.publish(c, app, &req.Batch[i])
		if !ok {
			return
		}
		infos = append(infos, resp)
	}
	c.JSON(http.StatusOK, gin.H{"batch": infos})
}

// publish validates and fans out one event. On failure it writes the error
// response itself and reports ok=false.
func (ct *Controller) publish(c *gin.Context, app *apps.App, req *eventRequest) (gin.H, bool) {
	targets := req.targets()
	switch {
	case len(targets) == 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel or channels is required"})
		return nil, false
	case len(targets) > maxChannelsPerEvent:
		c.JSON(http.StatusBadRequest, gin.H{"error": "events are limited to 100 channels"})
		return nil, false
	case len(req.Name) > maxEventNameLength:
		c.JSON(http.StatusBadRequest, gin.H{"error": "event name is limited to 200 characters"})
		return nil, false
	case len(req.Data) > maxEventPayload:
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event payload is limited to 10KB"})
		return nil, false
	}
	for _, ch := range targets {
		if !protocol.ValidChannel(ch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel name " + ch})
			return nil, false
		}
	}
	if !ct.limiter(app).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "backend event rate limit exceeded"})
		return nil, false
	}

	ctx := c.Request.Context()
	for _, ch := range targets {
		frame, err := (&protocol.Message{Event: req.Name, Channel: ch, Data: req.Data}).Encode()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unencodable event"})
			return nil, false
		}
		if err := ct.adapter.Broadcast(ctx, app.ID, ch, frame, req.SocketID); err != nil {
			log.Error().Err(err).Str("channel", ch).Msg("event broadcast failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "broadcast failed"})
			return nil, false
		}
		ct.channels.StoreCacheEvent(ctx, app.ID, ch, frame)
		ct.metrics.BroadcastsPublished.Inc()
	}
	config.ProcessCounters.APIEventsAccepted.Add(1)

	resp := gin.H{}
	if req.Info != "" {
		attrs, err := ct.channelAttributes(c, app, targets, req.Info)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
			return nil, false
		}
		resp["channels"] = attrs
	}
	return resp, true
}

// channelAttributes resolves the optional info= attributes for a channel set.
func (ct *Controller) channelAttributes(c *gin.Context, app *apps.App, names []string, info string) (map[string]gin.H, error) {
	wantSubCount := strings.Contains(info, "subscription_count")
	wantUserCount := strings.Contains(info, "user_count")
	ctx := c.Request.Context()

	out := make(map[string]gin.H, len(names))
	for _, name := range names {
		attrs := gin.H{}
		if wantSubCount {
			count, err := ct.adapter.ChannelSocketCount(ctx, app.ID, name)
			if err != nil {
				return nil, err
			}
			attrs["subscription_count"] = count
		}
		if wantUserCount && protocol.IsPresence(name) {
			members, err := ct.adapter.ChannelMembers(ctx, app.ID, name)
			if err != nil {
				return nil, err
			}
			attrs["user_count"] = len(members)
		}
		out[name] = attrs
	}
	return out, nil
}

// ListChannels handles GET /apps/:app_id/channels.
func (ct *Controller) ListChannels(c *gin.Context) {
	app := AppFromContext(c)
	if !ct.allowRead(c, app) {
		return
	}
	prefix := c.Query("filter_by_prefix")
	wantUserCount := strings.Contains(c.Query("info"), "user_count")

	// user_count only exists on presence channels; the filter must pin the
	// listing to them.
	if wantUserCount && !strings.HasPrefix(prefix, "presence-") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_count requires filter_by_prefix=presence-"})
		return
	}

	counts, err := ct.adapter.ChannelsWithSocketCount(c.Request.Context(), app.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
		return
	}

	result := make(map[string]gin.H)
	for name := range counts {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		attrs := gin.H{}
		if wantUserCount && protocol.IsPresence(name) {
			members, err := ct.adapter.ChannelMembers(c.Request.Context(), app.ID, name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
				return
			}
			attrs["user_count"] = len(members)
		}
		result[name] = attrs
	}
	c.JSON(http.StatusOK, gin.H{"channels": result})
}

// ChannelInfo handles GET /apps/:app_id/channels/:channel_name.
func (ct *Controller) ChannelInfo(c *gin.Context) {
	app := AppFromContext(c)
	if !ct.allowRead(c, app) {
		return
	}
	name := c.Param("channel_name")
	ctx := c.Request.Context()

	count, err := ct.adapter.ChannelSocketCount(ctx, app.ID, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
		return
	}
	resp := gin.H{
		"occupied":           count > 0,
		"subscription_count": count,
	}
	if protocol.IsPresence(name) {
		members, err := ct.adapter.ChannelMembers(ctx, app.ID, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
			return
		}
		resp["user_count"] = len(members)
	}
	if stored, ok := ct.channels.LastCacheEvent(ctx, app.ID, name); ok {
		resp["cache"] = json.RawMessage(stored)
	}
	c.JSON(http.StatusOK, resp)
}

// ChannelUsers handles GET /apps/:app_id/channels/:channel_name/users.
func (ct *Controller) ChannelUsers(c *gin.Context) {
	app := AppFromContext(c)
	if !ct.allowRead(c, app) {
		return
	}
	name := c.Param("channel_name")

	if !protocol.IsPresence(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "users are only available for presence channels"})
		return
	}
	members, err := ct.adapter.ChannelMembers(c.Request.Context(), app.ID, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel lookup failed"})
		return
	}
	users := make([]gin.H, 0, len(members))
	for id := range members {
		users = append(users, gin.H{"id": id})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// TerminateUserConnections handles POST /apps/:app_id/users/:user_id/terminate_connections.
func (ct *Controller) TerminateUserConnections(c *gin.Context) {
	app := AppFromContext(c)
	userID := c.Param("user_id")

	if err := ct.adapter.TerminateUser(c.Request.Context(), app.ID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "termination failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Up handles GET /up/:app_id, the per-app health probe. It carries no
// signature so load balancers can use it directly.
func (ct *Controller) Up(c *gin.Context) {
	if _, err := ct.apps.FindByID(c.Request.Context(), c.Param("app_id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "unknown app"})
		return
	}
	c.String(http.StatusOK, "OK")
}

// Usage handles GET /usage: process counters plus memory statistics.
func (ct *Controller) Usage(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"connections":         config.ProcessCounters.Connections.Load(),
		"messages_sent":       config.ProcessCounters.MessagesSent.Load(),
		"messages_received":   config.ProcessCounters.MessagesReceived.Load(),
		"api_events_accepted": config.ProcessCounters.APIEventsAccepted.Load(),
		"webhooks_enqueued":   config.ProcessCounters.WebhooksEnqueued.Load(),
		"memory": gin.H{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
			"heap_objects":      mem.HeapObjects,
			"num_gc":            mem.NumGC,
			"goroutines":        runtime.NumGoroutine(),
		},
	})
}

// limiter returns the per-app backend event limiter, created on first use.
func (ct *Controller) limiter(app *apps.App) *rate.Limiter {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	l, ok := ct.limiters[app.ID]
	if !ok {
		n := app.MaxBackendEventsPerSecond
		l = rate.NewLimiter(rate.Limit(n), n)
		ct.limiters[app.ID] = l
	}
	return l
}

// readLimiter caps the channel inspection endpoints per app.
func (ct *Controller) readLimiter(app *apps.App) *rate.Limiter {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	l, ok := ct.readLimiters[app.ID]
	if !ok {
		n := app.MaxReadRequestsPerSecond
		l = rate.NewLimiter(rate.Limit(n), n)
		ct.readLimiters[app.ID] = l
	}
	return l
}

// allowRead writes the 429 itself when the read budget is exhausted.
func (ct *Controller) allowRead(c *gin.Context, app *apps.App) bool {
	if !ct.readLimiter(app).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "read request rate limit exceeded"})
		return false
	}
	return true
}
