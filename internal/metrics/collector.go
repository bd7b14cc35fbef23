// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus metric the engine exports.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Execution lifecycle metrics
	executionsTotal       *prometheus.CounterVec
	executionDuration     *prometheus.HistogramVec
	executionTransitions  *prometheus.CounterVec
	activeCoordinators    prometheus.Gauge
	stepsTotal            *prometheus.CounterVec
	stepDuration          *prometheus.HistogramVec
	tokensUsed            *prometheus.CounterVec
	costIncurred          *prometheus.CounterVec
	propagationsTotal     *prometheus.CounterVec
	propagationFailures   *prometheus.CounterVec
	retentionDeletesTotal prometheus.Counter

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the engine's metrics under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of executions reaching a terminal status",
		},
		[]string{"status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	c.executionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Total number of execution status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.activeCoordinators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_coordinators",
			Help:      "Number of in-flight execution coordinator loops",
		},
	)

	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of workflow steps resolved",
		},
		[]string{"status"}, // completed, failed, skipped
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed by workflow steps",
		},
		[]string{"project_id"},
	)

	c.costIncurred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_incurred_total",
			Help:      "Total cost incurred by workflow steps in USD",
		},
		[]string{"project_id"},
	)

	c.propagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_propagations_total",
			Help:      "Total number of terminal statistics propagations",
		},
		[]string{"target"}, // project, agent
	)

	c.propagationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_propagation_failures_total",
			Help:      "Total number of failed statistics propagations",
		},
		[]string{"target"},
	)

	c.retentionDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deletes_total",
			Help:      "Total number of executions deleted by the retention sweeper",
		},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecutionTerminal records an execution reaching a terminal status.
func (c *Collector) RecordExecutionTerminal(status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransition records one status transition.
func (c *Collector) RecordTransition(from, to string) {
	c.executionTransitions.WithLabelValues(from, to).Inc()
}

// CoordinatorStarted bumps the in-flight coordinator gauge.
func (c *Collector) CoordinatorStarted() { c.activeCoordinators.Inc() }

// CoordinatorFinished decrements the in-flight coordinator gauge.
func (c *Collector) CoordinatorFinished() { c.activeCoordinators.Dec() }

// RecordStep records one resolved workflow step.
func (c *Collector) RecordStep(status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordUsage records token and cost consumption for a project.
func (c *Collector) RecordUsage(projectID string, tokens int64, cost float64) {
	c.tokensUsed.WithLabelValues(projectID).Add(float64(tokens))
	c.costIncurred.WithLabelValues(projectID).Add(cost)
}

// RecordPropagation records one statistics propagation attempt.
func (c *Collector) RecordPropagation(target string, failed bool) {
	c.propagationsTotal.WithLabelValues(target).Inc()
	if failed {
		c.propagationFailures.WithLabelValues(target).Inc()
	}
}

// RecordRetentionDelete records one execution removed by the sweeper.
func (c *Collector) RecordRetentionDelete() { c.retentionDeletesTotal.Inc() }

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// statusCode folds an HTTP status code into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
