// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// TradesTotal counts fills, partitioned by kind (BUY/SELL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeLatency tracks trade execution latency including lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradesim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts trades refused, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"kind", "code"})

	// TradeVolume tracks cumulative traded shares per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"symbol", "kind"})

	// LoansTotal counts issued loans.
	LoansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_loans_total",
		Help: "Total number of loans issued",
	})

	// LoanAmountTotal sums issued loan principal.
	LoanAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_loan_amount_total",
		Help: "Cumulative loan principal issued",
	})

	// PriceTicks counts completed price update rounds.
	PriceTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_price_ticks_total",
		Help: "Total price update rounds",
	})

	// PriceTickFailures counts per-stock price update failures.
	PriceTickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_price_tick_failures_total",
		Help: "Per-stock price update failures",
	}, []string{"symbol"})

	// StockPrice tracks each stock's current price.
	StockPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradesim_stock_price",
		Help: "Current stock price",
	}, []string{"symbol"})

	// LockConflicts counts transactions that timed out waiting for entity locks.
	LockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_lock_conflicts_total",
		Help: "Transactions aborted on lock timeout",
	}, []string{"op"})

	// PriceUpdatesRunning is 1 while the price scheduler is running.
	PriceUpdatesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradesim_price_updates_running",
		Help: "Whether the price scheduler is running",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradesim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradesim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradesim_http_request_duration_seconds",
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

		// Route pattern keeps user ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
