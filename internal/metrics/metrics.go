// Package metrics provides Prometheus metrics for provider invocations, batches
// and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for TasksCompleted and TaskDuration. Failures use the
// executor error kind ("spawn", "timeout", ...).
const OutcomeOK = "ok"

var (
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_tasks_started_total",
			Help: "Total number of provider invocations started",
		},
		[]string{"provider", "kind"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_tasks_completed_total",
			Help: "Total number of provider invocations finished, by outcome",
		},
		[]string{"provider", "outcome"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_task_duration_seconds",
			Help:    "Provider invocation duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"provider", "outcome"},
	)
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_tasks_in_flight",
			Help: "Number of provider invocations currently running",
		},
	)
	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_provider_fallbacks_total",
			Help: "Fallback selections that resolved past their first candidate",
		},
		[]string{"preferred", "resolved"},
	)
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_batches_total",
			Help: "Total number of dispatch batches, by whether fail-fast truncated them",
		},
		[]string{"result"},
	)
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrelay_batch_size",
			Help:    "Number of requests submitted per batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrelay_batch_duration_seconds",
			Help:    "Wall-clock duration of dispatch batches in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)
	RegistryTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrelay_registry_tasks",
			Help: "Tasks held in the in-memory registry, by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskStarted(provider, kind string) {
	TasksStarted.WithLabelValues(provider, kind).Inc()
	TasksInFlight.Inc()
}

// RecordTaskFinished closes out a RecordTaskStarted call. outcome is OutcomeOK
// or the failure kind.
func RecordTaskFinished(provider, outcome string, duration time.Duration) {
	TasksInFlight.Dec()
	TasksCompleted.WithLabelValues(provider, outcome).Inc()
	TaskDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func RecordFallback(preferred, resolved string) {
	ProviderFallbacks.WithLabelValues(preferred, resolved).Inc()
}

func RecordBatch(size int, truncated bool, duration time.Duration) {
	result := "complete"
	if truncated {
		result = "truncated"
	}
	BatchesTotal.WithLabelValues(result).Inc()
	BatchSize.Observe(float64(size))
	BatchDuration.Observe(duration.Seconds())
}

func UpdateRegistryGauges(running, succeeded, failed int) {
	RegistryTasks.WithLabelValues("running").Set(float64(running))
	RegistryTasks.WithLabelValues("ok").Set(float64(succeeded))
	RegistryTasks.WithLabelValues("failed").Set(float64(failed))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
