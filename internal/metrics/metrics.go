// Package metrics provides Prometheus instrumentation for the market
// console.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksReceived counts well-formed tick events delivered by the stream.
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_ticks_received_total",
		Help: "Tick events received on the price stream",
	})

	// ChatReceived counts well-formed chat events delivered by the stream.
	ChatReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_chat_received_total",
		Help: "Chat events received on the chat stream",
	})

	// FramesDropped counts malformed or unrecognized stream frames,
	// partitioned by stream.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_frames_dropped_total",
		Help: "Stream frames dropped as malformed or unrecognized",
	}, []string{"stream"})

	// FeedConnections tracks currently open stream connections.
	FeedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_feed_connections",
		Help: "Open push-stream connections",
	})

	// TicksApplied counts tick events merged into the player set; ticks for
	// players not yet loaded are counted as dropped instead.
	TicksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_ticks_applied_total",
		Help: "Tick events applied to the local player set",
	}, []string{"outcome"})

	// CommandsTotal counts dispatched user commands by kind and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_commands_total",
		Help: "User commands dispatched to the backend",
	}, []string{"kind", "outcome"})

	// CatalogRefreshDuration tracks the full catalog refresh round trip,
	// including per-player price backfill.
	CatalogRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_catalog_refresh_duration_seconds",
		Help:    "Catalog refresh duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts local HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_http_requests_total",
		Help: "Total local HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks local request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "console_http_request_duration_seconds",
		Help:    "Local HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
