// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts completed trades, partitioned by type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type"})

	// TradeRejections counts trades rejected by a precondition, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_trade_rejections_total",
		Help: "Trades rejected before any mutation",
	}, []string{"code"})

	// TradeLatency tracks trade execution latency including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartbet_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ConflictRetries counts optimistic-concurrency retries.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_conflict_retries_total",
		Help: "Market writes retried after a concurrent modification",
	}, []string{"operation"})

	// ActiveMarkets counts markets whose status is active. It follows
	// lifecycle transitions only; a market past its end date stays counted
	// until it is closed. See RegisterTradingOpen for the trading view.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartbet_active_markets",
		Help: "Number of markets with status active",
	})

	// MarketTransitions counts lifecycle transitions by target status.
	MarketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_market_transitions_total",
		Help: "Market status transitions",
	}, []string{"status"})

	// PayoutsTotal counts winning positions settled at resolution.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartbet_payouts_total",
		Help: "Winning positions paid out",
	})

	// MarketVolume tracks cumulative traded cost per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_market_volume_total",
		Help: "Cumulative traded cost",
	}, []string{"market_id", "type"})

	// PositionLimitRejections counts buys rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartbet_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartbet_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationsDropped counts events dropped because a sink's queue was full.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_notifications_dropped_total",
		Help: "Market events dropped before delivery",
	}, []string{"sink"})

	// NotificationFailures counts failed deliveries per sink.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_notification_failures_total",
		Help: "Market event deliveries that failed",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartbet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartbet_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// RegisterTradingOpen exposes chartbet_trading_open_markets, evaluated by
// count on every scrape. Call it once per process.
func RegisterTradingOpen(count func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chartbet_trading_open_markets",
		Help: "Number of markets currently accepting trades",
	}, count)
}
