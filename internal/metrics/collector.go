// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the agent's prometheus metrics.
type Collector struct {
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	iterations   prometheus.Histogram
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmRetriesTotal    prometheus.Counter
	llmTokensUsed      *prometheus.CounterVec

	persistenceFailures prometheus.Counter
	admissionRejected   prometheus.Counter
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the agent metric vectors under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of reasoning runs by terminal status",
		},
		[]string{"status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Reasoning run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.iterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Decide/act/reflect iterations per run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 7, 8},
		},
	)

	c.toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	c.toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"tool"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "state", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "state"},
	)

	c.llmRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Total number of LLM request retries",
		},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "kind"},
	)

	c.persistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Turn appends that failed after idempotent retry",
		},
	)

	c.admissionRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Requests rejected by the admission token bucket",
		},
	)

	c.cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kb_cache_hits_total",
			Help:      "Semantic search cache hits",
		},
	)

	c.cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kb_cache_misses_total",
			Help:      "Semantic search cache misses",
		},
	)

	return c
}

// RecordRun records a completed run.
func (c *Collector) RecordRun(status string, duration time.Duration, iterations int) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.iterations.Observe(float64(iterations))
}

// RecordToolCall records one tool invocation.
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, status).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordLLMRequest records one completion call made from the given state.
func (c *Collector) RecordLLMRequest(provider, state, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, state, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, state).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMRetry records one retry attempt.
func (c *Collector) RecordLLMRetry() {
	if c == nil {
		return
	}
	c.llmRetriesTotal.Inc()
}

// RecordPersistenceFailure records an append that failed after retries.
func (c *Collector) RecordPersistenceFailure() {
	if c == nil {
		return
	}
	c.persistenceFailures.Inc()
}

// RecordAdmissionRejected records a request refused at the gate.
func (c *Collector) RecordAdmissionRejected() {
	if c == nil {
		return
	}
	c.admissionRejected.Inc()
}

// RecordCacheHit records a semantic-search cache hit.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss records a semantic-search cache miss.
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}
