package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the engine with Prometheus collectors.
//
// All methods are nil-safe: a nil *Metrics disables instrumentation
// without conditionals at the call sites.
//
// Exposed series (namespace "beamflow"):
//   - beamflow_active_workflows: live actor count
//   - beamflow_workflows_total{outcome}: finished workflows by outcome
//   - beamflow_step_duration_seconds{step}: step execution latency
//   - beamflow_retries_total{step}: scheduled step retries
//   - beamflow_compensations_total{outcome}: compensation attempts
//   - beamflow_dlq_entries_total{type,class}: DLQ enqueues
//   - beamflow_chaos_recoveries_total{fault}: survived injected faults
type Metrics struct {
	activeWorkflows prometheus.Gauge
	workflowsTotal  *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	dlqEntries      *prometheus.CounterVec
	chaosRecoveries *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with the
// given registerer. Pass prometheus.DefaultRegisterer for the global
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns = "beamflow"

	m := &Metrics{
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_workflows",
			Help:      "Number of live workflow actors.",
		}),
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "workflows_total",
			Help:      "Finished workflows by outcome.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "step_duration_seconds",
			Help:      "Step execution latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"step"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Scheduled step retries.",
		}, []string{"step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "compensations_total",
			Help:      "Compensation attempts by outcome.",
		}, []string{"outcome"}),
		dlqEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dlq_entries_total",
			Help:      "Dead letter queue enqueues by type and error class.",
		}, []string{"type", "class"}),
		chaosRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "chaos_recoveries_total",
			Help:      "Workflows that survived an injected fault.",
		}, []string{"fault"}),
	}

	reg.MustRegister(
		m.activeWorkflows,
		m.workflowsTotal,
		m.stepDuration,
		m.retriesTotal,
		m.compensations,
		m.dlqEntries,
		m.chaosRecoveries,
	)
	return m
}

// WorkflowStarted increments the live actor gauge.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.activeWorkflows.Inc()
}

// WorkflowFinished decrements the live actor gauge and counts the
// outcome ("completed" or "failed").
func (m *Metrics) WorkflowFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeWorkflows.Dec()
	m.workflowsTotal.WithLabelValues(outcome).Inc()
}

// StepExecuted records a step attempt's latency.
func (m *Metrics) StepExecuted(stepID string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(stepID).Observe(d.Seconds())
}

// RetryScheduled counts a scheduled retry for a step.
func (m *Metrics) RetryScheduled(stepID string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(stepID).Inc()
}

// CompensationRun counts a compensation attempt by outcome
// ("completed" or "failed").
func (m *Metrics) CompensationRun(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// DeadLetterEnqueued counts a DLQ enqueue.
func (m *Metrics) DeadLetterEnqueued(entryType, class string) {
	if m == nil {
		return
	}
	m.dlqEntries.WithLabelValues(entryType, class).Inc()
}

// ChaosRecovery counts a workflow surviving an injected fault.
func (m *Metrics) ChaosRecovery(fault string) {
	if m == nil {
		return
	}
	m.chaosRecoveries.WithLabelValues(fault).Inc()
}
