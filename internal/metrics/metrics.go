// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheLookups counts snapshot cache reads by outcome: hit, stale, miss.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_cache_lookups_total",
		Help: "Snapshot cache lookups by outcome",
	}, []string{"outcome"})

	// CacheRefreshes counts background refreshes by outcome: ok, error, discarded.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_cache_refreshes_total",
		Help: "Background snapshot refreshes by outcome",
	}, []string{"outcome"})

	// CacheRefreshesSuppressed counts stale reads that found a refresh already in flight.
	CacheRefreshesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_cache_refreshes_suppressed_total",
		Help: "Stale reads that did not start a refresh because one was in flight",
	})

	// CacheEvictions counts LRU evictions.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_cache_evictions_total",
		Help: "Snapshot cache entries evicted by LRU capacity",
	})

	// CacheEntries tracks the number of entries held in the local LRU.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "posengine_cache_entries",
		Help: "Snapshot cache entries currently held",
	})

	// CacheBackendErrors counts failed calls to the shared cache backend.
	CacheBackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_cache_backend_errors_total",
		Help: "Shared cache backend failures by operation",
	}, []string{"op"})

	// PriceLookups counts provider attempts by provider and outcome: ok, not_found, error, timeout.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_price_lookups_total",
		Help: "Price provider attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	// PriceUnavailable counts tokens for which no provider produced a price.
	PriceUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_price_unavailable_total",
		Help: "Price resolutions where every provider failed",
	})

	// PriceMemoHits counts resolutions answered from the resolver memo.
	PriceMemoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_price_memo_hits_total",
		Help: "Price resolutions served from the short-lived memo",
	})

	// SnapshotLatency tracks full snapshot computation time.
	SnapshotLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posengine_snapshot_duration_seconds",
		Help:    "Wallet snapshot computation latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// SnapshotPositions tracks open positions per computed snapshot.
	SnapshotPositions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "posengine_snapshot_positions",
		Help:    "Open positions per computed snapshot",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// MalformedTradeFields counts numeric trade fields coerced to zero, by field.
	MalformedTradeFields = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_malformed_trade_fields_total",
		Help: "Trade fields that failed to parse and were coerced to zero",
	}, []string{"field"})

	// TradesIngested counts trades accepted at the ingestion boundary.
	TradesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "posengine_trades_ingested_total",
		Help: "Trades persisted by the ingestion endpoint",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "posengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "posengine_http_request_duration_seconds",
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

		// Wallet addresses in the URL would explode cardinality; label by
		// the matched route pattern when chi has one.
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
