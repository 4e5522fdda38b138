// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// TradesTotal counts fills against the AMM by market and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of fills against the AMM",
	}, []string{"market", "direction"})

	// TradeNotional accumulates filled quote notional in quote units.
	TradeNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_notional_total",
		Help: "Cumulative filled quote notional",
	}, []string{"market"})

	// TradeLatency tracks how long a fill takes end to end.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_trade_latency_seconds",
		Help:    "Fill latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"market"})

	// FundingUpdates counts funding controller runs by outcome:
	// updated, skipped or error.
	FundingUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_updates_total",
		Help: "Funding rate update attempts by outcome",
	}, []string{"market", "outcome"})

	// FundingRate is the last funding rate per market, as a fraction of price.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Last funding rate as a fraction of the oracle TWAP",
	}, []string{"market"})

	// Spread is the current long and short spread as a fraction of price.
	Spread = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_spread",
		Help: "Current AMM spread by side",
	}, []string{"market", "side"})

	// KUpdates counts curve depth changes by cause.
	KUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_k_updates_total",
		Help: "sqrt_k changes by cause",
	}, []string{"market", "cause"})

	// SpotUtilization is the borrow/deposit utilization of a spot market.
	SpotUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_spot_utilization",
		Help: "Spot market utilization as a fraction",
	}, []string{"market"})

	// InterestAccruals counts cumulative-interest updates per spot market.
	InterestAccruals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_spot_interest_accruals_total",
		Help: "Spot interest accrual runs",
	}, []string{"market"})

	// InsuranceSettlements counts revenue settlements into insurance funds.
	InsuranceSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_insurance_settlements_total",
		Help: "Revenue pool settlements into the insurance fund",
	}, []string{"market"})

	// LimitRejections counts fills rejected by the risk limiter.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_limit_rejections_total",
		Help: "Fills rejected by the risk limiter",
	}, []string{"market", "reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
