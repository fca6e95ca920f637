// Package metrics exposes the Prometheus instrumentation shared by the
// API server and the indexer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup from version/commit/date.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "floatchat_build_info",
		Help: "Build information",
	}, []string{"version", "commit", "date"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floatchat_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_llm_requests_total",
		Help: "LLM chat completion calls by provider and status",
	}, []string{"provider", "status"})

	llmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floatchat_llm_request_duration_seconds",
		Help:    "LLM chat completion latency by provider",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"provider"})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_llm_tokens_total",
		Help: "LLM token usage by direction",
	}, []string{"direction"})

	postgresQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_postgres_queries_total",
		Help: "Generated-SQL executions by status",
	}, []string{"status"})

	postgresQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "floatchat_postgres_query_duration_seconds",
		Help:    "Generated-SQL execution latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	cacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_query_cache_events_total",
		Help: "Result cache events (hit, miss, store, skip, invalidate, error)",
	}, []string{"event"})

	validationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_sql_validation_failures_total",
		Help: "SQL validation failures by check",
	}, []string{"check"})

	pipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_pipeline_runs_total",
		Help: "NL-to-SQL pipeline runs by provider and outcome",
	}, []string{"provider", "outcome"})

	embeddingBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floatchat_embedding_batches_total",
		Help: "Embedding batch calls by status",
	}, []string{"status"})
)

// Middleware records request counts and latency labelled with the chi
// route pattern. The chi response wrapper keeps http.Flusher intact so
// SSE endpoints still stream.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordLLMRequest(provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	llmRequestsTotal.WithLabelValues(provider, status).Inc()
	llmRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func RecordLLMTokens(input, output int64) {
	llmTokensTotal.WithLabelValues("input").Add(float64(input))
	llmTokensTotal.WithLabelValues("output").Add(float64(output))
}

func RecordPostgresQuery(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	postgresQueriesTotal.WithLabelValues(status).Inc()
	postgresQueryDuration.Observe(d.Seconds())
}

func RecordCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

func RecordValidationFailure(check string) {
	validationFailuresTotal.WithLabelValues(check).Inc()
}

func RecordPipelineRun(provider, outcome string) {
	pipelineRunsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordEmbeddingBatch(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	embeddingBatchesTotal.WithLabelValues(status).Inc()
}
