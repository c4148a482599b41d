// Package metrics provides Prometheus instrumentation for the CDP engine.
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

	"github.com/bollar/cdp-engine/internal/model"
)

var (
	// OperationsTotal counts position operations by name and result kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bollar_operations_total",
		Help: "Total position operations by operation and result",
	}, []string{"op", "result"})

	// OperationLatency tracks end-to-end operation latency, collaborator
	// calls included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bollar_operation_latency_seconds",
		Help:    "Position operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// LiquidationsTotal counts executed liquidations.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bollar_liquidations_total",
		Help: "Total liquidations committed",
	})

	// LiquidationRewardSats accumulates collateral paid to liquidators.
	LiquidationRewardSats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bollar_liquidation_reward_sats_total",
		Help: "Collateral paid to liquidators in satoshis",
	})

	// LiquidationDebtCents accumulates debt repaid through liquidation.
	LiquidationDebtCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bollar_liquidation_debt_cents_total",
		Help: "Debt burned by liquidations in cents",
	})

	// LiquidatablePositions is the size of the last keeper scan.
	LiquidatablePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_liquidatable_positions",
		Help: "Positions eligible for liquidation at the last scan",
	})

	// PriceCents is the last accepted BTC price.
	PriceCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_price_cents",
		Help: "Last accepted BTC/USD price in cents",
	})

	// PriceState is 0 when fresh, 1 when degraded and 2 when unavailable.
	PriceState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_price_state",
		Help: "Price feed state: 0 fresh, 1 degraded, 2 unavailable",
	})

	// PriceRejections counts candidate samples discarded by validation.
	PriceRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bollar_price_rejections_total",
		Help: "Price samples rejected by validation",
	}, []string{"reason"})

	// PriceFetchErrors counts failed fetch attempts per source.
	PriceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bollar_price_fetch_errors_total",
		Help: "Failed price fetch attempts",
	}, []string{"source"})

	// TotalCollateralSats mirrors the ledger's collateral total.
	TotalCollateralSats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_total_collateral_sats",
		Help: "Collateral held by active positions in satoshis",
	})

	// TotalMintedCents mirrors the ledger's debt total.
	TotalMintedCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_total_minted_cents",
		Help: "Outstanding debt of active positions in cents",
	})

	// ActivePositions tracks the number of active positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_active_positions",
		Help: "Number of active positions",
	})

	// SettlementPending is the number of unconfirmed post-commit actions.
	SettlementPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_settlement_pending",
		Help: "Settlement jobs waiting for retry",
	})

	// SettlementFailures counts failed settlement attempts by kind.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bollar_settlement_failures_total",
		Help: "Failed settlement attempts",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bollar_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bollar_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bollar_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the outcome and latency of a position operation.
func ObserveOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
		if result == "" {
			result = "internal"
		}
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetTotals publishes the ledger aggregates.
func SetTotals(t model.Totals, active int) {
	TotalCollateralSats.Set(float64(t.TotalCollateral))
	TotalMintedCents.Set(float64(t.TotalMinted))
	ActivePositions.Set(float64(active))
}

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

		// Route pattern keeps position ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
