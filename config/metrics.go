package config

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's prometheus collectors.
type Metrics struct {
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	HTTPErrors           *prometheus.CounterVec
	WebsocketConnections prometheus.Gauge
	WsMessagesSent       *prometheus.CounterVec
	WsMessagesReceived   *prometheus.CounterVec
	BroadcastsPublished  prometheus.Counter
	WebhookJobs          *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Counters is the per-process snapshot served by /usage.
type Counters struct {
	Connections       atomic.Int64
	MessagesSent      atomic.Int64
	MessagesReceived  atomic.Int64
	APIEventsAccepted atomic.Int64
	WebhooksEnqueued  atomic.Int64
}

var ProcessCounters Counters

// GetMetrics returns a singleton instance of Metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			HTTPRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pulsehub_http_requests_total",
					Help: "Count of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pulsehub_http_request_duration_seconds",
					Help:    "Duration of HTTP requests",
					Buckets: []float64{0.1, 0.3, 0.5, 1, 3, 5, 10},
				},
				[]string{"method", "path"},
			),
			HTTPErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pulsehub_http_errors_total",
					Help: "Count of HTTP errors",
				},
				[]string{"method", "path", "status"},
			),
			WebsocketConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pulsehub_websocket_connections",
					Help: "Current WebSocket connections",
				},
			),
			WsMessagesSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pulsehub_ws_messages_sent_total",
					Help: "Frames sent to clients",
				},
				[]string{"app"},
			),
			WsMessagesReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pulsehub_ws_messages_received_total",
					Help: "Frames received from clients",
				},
				[]string{"app"},
			),
			BroadcastsPublished: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "pulsehub_broadcasts_published_total",
					Help: "Broadcasts published to the backplane",
				},
			),
			WebhookJobs: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pulsehub_webhook_jobs_total",
					Help: "Webhook jobs enqueued",
				},
				[]string{"app"},
			),
		}

		prometheus.MustRegister(
			metricsInstance.HTTPRequests,
			metricsInstance.HTTPDuration,
			metricsInstance.HTTPErrors,
			metricsInstance.WebsocketConnections,
			metricsInstance.WsMessagesSent,
			metricsInstance.WsMessagesReceived,
			metricsInstance.BroadcastsPublished,
			metricsInstance.WebhookJobs,
		)
	})
	return metricsInstance
}

// responseRecorder wraps the gin writer to capture the status code.
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// MetricsMiddleware captures HTTP metrics for gin routes.
func MetricsMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: c.Writer, statusCode: http.StatusOK}
		c.Writer = recorder

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(recorder.statusCode)

		metrics.HTTPRequests.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, c.FullPath()).Observe(duration)
		if recorder.statusCode >= 400 {
			metrics.HTTPErrors.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
		}
	}
}

// MetricsHandler returns the Prometheus metrics handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
