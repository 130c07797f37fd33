package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Tool metrics
	ToolExecutionsTotal      *prometheus.CounterVec
	ToolExecutionDuration    *prometheus.HistogramVec
	ToolExecutionErrorsTotal *prometheus.CounterVec

	ToolsRegistered prometheus.Gauge

	// Admission metrics
	LimiterActive  prometheus.Gauge
	LimiterWaiting prometheus.Gauge

	// Worker pool metrics
	PoolQueued  prometheus.Gauge
	PoolRunning prometheus.Gauge

	// Batch metrics
	BatchSize prometheus.Histogram

	// Recovery metrics
	RecoveryAttemptsTotal *prometheus.CounterVec

	// State store metrics
	StateContextsActive prometheus.Gauge
	StateEntriesPurged  prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ToolExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_errors_total",
				Help: "Total number of tool execution errors by category",
			},
			[]string{"tool_name", "category"},
		),

		ToolsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tools_registered",
				Help: "Number of tools currently registered",
			},
		),

		LimiterActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "limiter_active",
				Help: "Executions currently holding an admission slot",
			},
		),
		LimiterWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "limiter_waiting",
				Help: "Executions waiting for an admission slot",
			},
		),

		PoolQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_queued",
				Help: "Blocking jobs waiting for a worker",
			},
		),
		PoolRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_running",
				Help: "Blocking jobs currently running on a worker",
			},
		),

		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batch_size",
				Help:    "Number of requests drained per batch",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),

		RecoveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_attempts_total",
				Help: "Recovery attempts by error category and outcome",
			},
			[]string{"category", "outcome"},
		),

		StateContextsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "state_contexts_active",
				Help: "Number of live stateful tool contexts",
			},
		),
		StateEntriesPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "state_entries_purged_total",
				Help: "Total number of expired state entries removed",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.ToolExecutionErrorsTotal)
	m.registry.MustRegister(m.ToolsRegistered)

	m.registry.MustRegister(m.LimiterActive)
	m.registry.MustRegister(m.LimiterWaiting)

	m.registry.MustRegister(m.PoolQueued)
	m.registry.MustRegister(m.PoolRunning)

	m.registry.MustRegister(m.BatchSize)

	m.registry.MustRegister(m.RecoveryAttemptsTotal)

	m.registry.MustRegister(m.StateContextsActive)
	m.registry.MustRegister(m.StateEntriesPurged)
}

// RecordToolExecution records one finished execution.
func (m *Metrics) RecordToolExecution(toolName string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.ToolExecutionsTotal.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordToolError records a classified failure.
func (m *Metrics) RecordToolError(toolName, category string) {
	if m == nil {
		return
	}
	m.ToolExecutionErrorsTotal.WithLabelValues(toolName, category).Inc()
}

func (m *Metrics) SetToolsRegistered(n int) {
	if m == nil {
		return
	}
	m.ToolsRegistered.Set(float64(n))
}

func (m *Metrics) SetLimiterActive(n int) {
	if m == nil {
		return
	}
	m.LimiterActive.Set(float64(n))
}

func (m *Metrics) SetLimiterWaiting(n int) {
	if m == nil {
		return
	}
	m.LimiterWaiting.Set(float64(n))
}

func (m *Metrics) SetPoolQueued(n int) {
	if m == nil {
		return
	}
	m.PoolQueued.Set(float64(n))
}

func (m *Metrics) SetPoolRunning(n int) {
	if m == nil {
		return
	}
	m.PoolRunning.Set(float64(n))
}

func (m *Metrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

// RecordRecoveryAttempt counts one recovery attempt. outcome is one of
// "recovered", "failed", "fallback" or "skipped".
func (m *Metrics) RecordRecoveryAttempt(category, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryAttemptsTotal.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) SetStateContexts(n int) {
	if m == nil {
		return
	}
	m.StateContextsActive.Set(float64(n))
}

func (m *Metrics) AddStateEntriesPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StateEntriesPurged.Add(float64(n))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
