package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskLifecycle(t *testing.T) {
	TasksStarted.Reset()
	TasksCompleted.Reset()
	TaskDuration.Reset()
	TasksInFlight.Set(0)

	tests := []struct {
		name     string
		provider string
		kind     string
		outcome  string
		duration time.Duration
	}{
		{name: "successful query", provider: "claude", kind: "query", outcome: OutcomeOK, duration: 2 * time.Second},
		{name: "timed out execute", provider: "gemini", kind: "execute", outcome: "timeout", duration: 300 * time.Second},
		{name: "missing binary", provider: "copilot", kind: "query", outcome: "spawn", duration: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTaskStarted(tt.provider, tt.kind)
			assert.Equal(t, 1.0, gaugeValue(t, TasksInFlight))

			RecordTaskFinished(tt.provider, tt.outcome, tt.duration)
			assert.Equal(t, 0.0, gaugeValue(t, TasksInFlight))

			assert.Equal(t, 1.0, getCounterValue(t, TasksStarted, tt.provider, tt.kind))
			assert.Equal(t, 1.0, getCounterValue(t, TasksCompleted, tt.provider, tt.outcome))
			assert.Equal(t, tt.duration.Seconds(), getHistogramSum(t, TaskDuration, tt.provider, tt.outcome))
		})
	}
}

func TestRecordFallback(t *testing.T) {
	ProviderFallbacks.Reset()

	RecordFallback("claude", "gemini")
	RecordFallback("claude", "gemini")

	assert.Equal(t, 2.0, getCounterValue(t, ProviderFallbacks, "claude", "gemini"))
}

func TestRecordBatch(t *testing.T) {
	BatchesTotal.Reset()

	RecordBatch(3, false, 10*time.Second)
	RecordBatch(5, true, time.Second)
	RecordBatch(1, false, time.Second)

	assert.Equal(t, 2.0, getCounterValue(t, BatchesTotal, "complete"))
	assert.Equal(t, 1.0, getCounterValue(t, BatchesTotal, "truncated"))

	metric := &dto.Metric{}
	require.NoError(t, BatchSize.Write(metric))
	assert.GreaterOrEqual(t, metric.Histogram.GetSampleCount(), uint64(3))
}

func TestUpdateRegistryGauges(t *testing.T) {
	RegistryTasks.Reset()

	UpdateRegistryGauges(2, 10, 3)

	assert.Equal(t, 2.0, getGaugeValue(t, RegistryTasks, "running"))
	assert.Equal(t, 10.0, getGaugeValue(t, RegistryTasks, "ok"))
	assert.Equal(t, 3.0, getGaugeValue(t, RegistryTasks, "failed"))

	UpdateRegistryGauges(0, 12, 3)
	assert.Equal(t, 0.0, getGaugeValue(t, RegistryTasks, "running"))
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{name: "successful GET", method: "GET", endpoint: "/tasks", status: "200", duration: 50 * time.Millisecond},
		{name: "failed POST", method: "POST", endpoint: "/dispatch", status: "500", duration: 100 * time.Millisecond},
		{name: "not found", method: "GET", endpoint: "/tasks/{id}", status: "404", duration: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	metric := &dto.Metric{}
	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric.Histogram.GetSampleSum()
}
