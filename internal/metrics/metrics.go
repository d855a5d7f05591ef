// Package metrics provides Prometheus instrumentation for the portfolio service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPCRequestsTotal counts upstream RPC calls by chain, method and outcome.
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_rpc_requests_total",
		Help: "Total upstream RPC requests",
	}, []string{"chain", "method", "outcome"})

	// RPCRateLimitWait tracks time spent waiting for the RPC rate limiter.
	RPCRateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_portfolio_rpc_rate_limit_wait_seconds",
		Help:    "Time spent waiting for RPC rate limit budget",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	// ChunksTotal counts ledger fetch chunks by their terminal state.
	ChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_ledger_chunks_total",
		Help: "Ledger fetch chunks by terminal state",
	}, []string{"chain", "state"})

	// CacheLookupsTotal counts cache reads by collection and result (hit, miss, expired).
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_cache_lookups_total",
		Help: "Cache lookups by collection and result",
	}, []string{"collection", "result"})

	// CacheEvictionsTotal counts TTL evictions, split by read-path and sweep.
	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_cache_evictions_total",
		Help: "Expired cache entries removed",
	}, []string{"trigger"})

	// SyncStateTransitions counts portfolio session state transitions.
	SyncStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_sync_transitions_total",
		Help: "Portfolio session state transitions",
	}, []string{"to"})

	// StaleResultsDiscarded counts chain loads dropped because a newer session superseded them.
	StaleResultsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_portfolio_stale_results_discarded_total",
		Help: "Chain load results discarded by the session guard",
	})

	// PortfolioLoadDuration tracks full chain loads per chain.
	PortfolioLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_portfolio_load_duration_seconds",
		Help:    "Duration of full portfolio loads from chain",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"chain"})

	TradesArchivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_trades_archived_total",
		Help: "Trades appended to the trade archive, by result",
	}, []string{"chain", "result"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_portfolio_circuit_breaker_state",
		Help: "Circuit breaker state per chain (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// BreakerStateValue maps a breaker state name onto the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routePath(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePath prefers the mux template so addresses don't explode label cardinality.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
