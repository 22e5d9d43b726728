// Package metrics provides Prometheus instrumentation for the gateway.
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
	// OrdersPlaced counts orders accepted by the broker, by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_orders_placed_total",
		Help: "Orders submitted to the broker and reserved on the ledger",
	}, []string{"side"})

	// OrdersRejected counts synchronous order rejections, by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_orders_rejected_total",
		Help: "Orders rejected before broker submission",
	}, []string{"reason"})

	// ReconcileTicks counts reconciliation poll ticks, by result.
	ReconcileTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_reconcile_ticks_total",
		Help: "Reconciliation poll ticks",
	}, []string{"result"})

	// TradesSettled counts trades moved to a terminal state, by status.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_trades_settled_total",
		Help: "Trades settled to a terminal state",
	}, []string{"status"})

	// ReconcileOrderErrors counts per-order failures during reconciliation.
	ReconcileOrderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperbroker_reconcile_order_errors_total",
		Help: "Per-order reconciliation failures, retried on a later tick",
	})

	// PendingAge tracks how long settled trades sat in PENDING.
	PendingAge = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperbroker_trade_pending_age_seconds",
		Help:    "Time from submission to settlement",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	// SignalsConsumed counts strategy signals read from the stream.
	SignalsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_signals_consumed_total",
		Help: "Strategy signals consumed from the trade-signal stream",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperbroker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperbroker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
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

		// Use the route pattern for path label to avoid high cardinality.
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
