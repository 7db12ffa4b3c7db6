// Package metrics provides Prometheus instrumentation for the engine.
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
	// JoinsTotal counts enterChannel outcomes, partitioned by result.
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_channel_joins_total",
		Help: "Channel join attempts by result",
	}, []string{"result"})

	// ChannelsActive tracks the number of live channels.
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invest_channels_active",
		Help: "Number of channels currently in the store",
	})

	// BroadcastsTotal counts published messages by kind.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_broadcasts_total",
		Help: "Messages broadcast to channels by kind",
	}, []string{"kind"})

	// TicksTotal counts price ticks applied to running channels.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_price_ticks_total",
		Help: "Price ticks fanned out to running channels",
	})

	// SettlementsTotal counts settled rounds.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_settlements_total",
		Help: "Rounds settled",
	})

	// SettlementGaps counts positions skipped during settlement because a
	// closing price was missing.
	SettlementGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invest_settlement_gaps_total",
		Help: "Positions skipped at settlement for missing closing prices",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "invest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
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
