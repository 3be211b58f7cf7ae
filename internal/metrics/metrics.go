// Package metrics provides Prometheus instrumentation for the market ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts accepted buys, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trades_total",
		Help: "Total number of share purchases executed",
	}, []string{"side"})

	// TradeLatency covers validate, compute and commit under the market lock.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RejectionsTotal counts failed ledger operations by error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_rejections_total",
		Help: "Ledger operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// ActiveMarkets tracks markets created and not yet resolved.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_active_markets",
		Help: "Number of unresolved markets",
	})

	// PoolVolume tracks cumulative gross amount wagered.
	PoolVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_pool_volume_total",
		Help: "Cumulative gross amount wagered, in base units",
	}, []string{"side"})

	// FeesTotal tracks cumulative protocol fee retained in pools.
	FeesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_fees_total",
		Help: "Cumulative protocol fee, in base units",
	})

	// ResolutionsTotal counts resolutions by source (admin, oracle) and outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_resolutions_total",
		Help: "Markets resolved",
	}, []string{"source", "outcome"})

	// PayoutsTotal counts claims and PayoutAmount their sum.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_payouts_total",
		Help: "Payouts settled, by trigger (user, sweep)",
	}, []string{"trigger"})

	PayoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_payout_amount_total",
		Help: "Cumulative payout, in base units",
	})

	// MirrorDivergences counts mirror states that disagreed with the ledger.
	MirrorDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_mirror_divergences_total",
		Help: "Events where the mirror replica disagreed with the authoritative ledger",
	})

	// SweepRuns counts sweeper iterations by result (ok, partial, skipped,
	// locked, error).
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_sweep_runs_total",
		Help: "Sweeper iterations by result",
	}, []string{"result"})

	// EventsPublished counts events handed to each sink; EventsDropped
	// counts events a sink discarded because its buffer was full.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_events_published_total",
		Help: "Ledger events delivered, by sink",
	}, []string{"sink"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_events_dropped_total",
		Help: "Ledger events dropped on a full buffer, by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
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

		// Route pattern, not the raw path, to bound label cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
