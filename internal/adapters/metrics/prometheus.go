package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarry_streams_active",
		Help: "Number of SSE streams currently open",
	})

	StreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_streams_total",
		Help: "Stream outcomes by terminal state",
	}, []string{"outcome"})

	StreamTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_stream_tokens_issued_total",
		Help: "Stream sessions created by prepare-stream",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_messages_total",
		Help: "Messages persisted by role",
	}, []string{"role"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"provider", "model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider", "model"})

	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_tokens_total",
		Help: "Token throughput by direction",
	}, []string{"model", "direction"})

	ContextOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_context_overflows_total",
		Help: "Requests rejected by the context guard",
	})

	PersistenceJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_persistence_jobs_total",
		Help: "Persistence worker job outcomes",
	}, []string{"outcome"})

	PersistenceJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_persistence_job_duration_seconds",
		Help:    "Persistence job processing duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	ModelRegistryRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_model_registry_refresh_total",
		Help: "Model registry refresh results per provider",
	}, []string{"provider", "status"})
)
