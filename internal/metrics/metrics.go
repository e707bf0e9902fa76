// Package metrics holds the Prometheus collectors exported by the broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session lifecycle events.
const (
	EventCreated   = "created"
	EventRecovered = "recovered"
	EventAttached  = "attached"
	EventDetached  = "detached"
	EventReaped    = "reaped"
	EventExited    = "exited"
	EventKilled    = "killed"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSFrames      *prometheus.CounterVec
	OutputDropped prometheus.Counter

	// Subprocess metrics
	TmuxCommands *prometheus.CounterVec
	ExecDuration *prometheus.HistogramVec
}

// New creates a metrics set on its own registry so tests can build many.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_sessions_active",
				Help: "Number of sessions held in the registry",
			},
		),
		SessionEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_session_events_total",
				Help: "Session lifecycle events",
			},
			[]string{"event"},
		),
		HeartbeatTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_heartbeat_timeouts_total",
				Help: "Connections terminated for missing a pong",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_ws_connections",
				Help: "Number of open WebSocket connections",
			},
		),
		WSFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_ws_frames_total",
				Help: "WebSocket frames by direction and type",
			},
			[]string{"direction", "type"},
		),
		OutputDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_output_dropped_bytes_total",
				Help: "Terminal output bytes discarded for slow clients",
			},
		),

		TmuxCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tmux_commands_total",
				Help: "tmux invocations by operation and result",
			},
			[]string{"op", "result"},
		),
		ExecDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_exec_duration_seconds",
				Help:    "Out-of-band exec command duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionEvent counts a session lifecycle event.
func (m *Metrics) RecordSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

// RecordTmux counts a tmux invocation.
func (m *Metrics) RecordTmux(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.TmuxCommands.WithLabelValues(op, result).Inc()
}

// RecordExec observes an exec command duration.
func (m *Metrics) RecordExec(status string, d time.Duration) {
	m.ExecDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Middleware creates a Gin middleware for HTTP metrics collection.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
