// Package metrics exports the prometheus gauges/counters every runtime-core
// component feeds: the HTTP layer (kept from the teacher), the sandbox
// pool, the sync/trigger schedulers, and the AI ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devrig_http_requests_total",
		Help: "Total number of HTTP requests served by the management API.",
	}, []string{"method", "path", "status"})

	HttpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devrig_http_request_duration_seconds",
		Help:    "Duration of HTTP requests served by the management API.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	SandboxPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devrig_sandbox_pool_size",
		Help: "Number of sandboxes currently resident in the plugin manager's pool.",
	})

	SandboxEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devrig_sandbox_evictions_total",
		Help: "Total number of LRU sandbox evictions.",
	})

	SandboxCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devrig_sandbox_calls_total",
		Help: "Total number of guest function invocations by outcome.",
	}, []string{"plugin_id", "outcome"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devrig_sync_runs_total",
		Help: "Total number of sync job runs by outcome.",
	}, []string{"plugin_id", "data_source_id", "outcome"})

	TriggerScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devrig_trigger_scheduled_jobs",
		Help: "Number of workflows currently scheduled by the trigger scheduler.",
	})

	AiOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devrig_ai_operations_total",
		Help: "Total number of AI operations recorded to the ledger.",
	}, []string{"provider", "operation"})

	AiCostUsdTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devrig_ai_cost_usd_total",
		Help: "Total accumulated AI spend in USD.",
	}, []string{"provider"})
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{w, http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path // In production we'd want to normalize this to avoid high cardinality

		HttpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HttpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
