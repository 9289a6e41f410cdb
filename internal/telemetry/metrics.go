// Package telemetry exposes Prometheus counters for hook decisions, action
// dispatch and pipeline runs.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookflow"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so packages can take one optionally.
type Metrics struct {
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	pipelines       *prometheus.CounterVec
	pipelineSteps   *prometheus.CounterVec
	approvals       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Hook decisions returned, by event type and decision",
			},
			[]string{"event_type", "decision"},
		),
		decisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time spent answering one hook event",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
			},
			[]string{"event_type"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Actions dispatched, by action and status",
			},
			[]string{"action", "status"}, // status: ok, error, unknown
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Action handler duration in seconds",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"action"},
		),
		pipelines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_total",
				Help:      "Pipeline runs that stopped, by pipeline and status",
			},
			[]string{"pipeline", "status"}, // status: completed, failed, waiting_approval
		),
		pipelineSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_steps_total",
				Help:      "Pipeline steps processed, by kind and status",
			},
			[]string{"kind", "status"}, // status: ok, error, skipped
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Approval gates resolved, by scope and result",
			},
			[]string{"scope", "result"}, // scope: step, pipeline
		),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			reg.MustRegister(c)
		}
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.decisions,
		m.decisionLatency,
		m.actions,
		m.actionDuration,
		m.pipelines,
		m.pipelineSteps,
		m.approvals,
	}
}

// RecordDecision counts one answered hook event.
func (m *Metrics) RecordDecision(eventType, decision string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(eventType, decision).Inc()
	m.decisionLatency.WithLabelValues(eventType).Observe(durationSeconds)
}

// RecordAction counts one action dispatch.
func (m *Metrics) RecordAction(action, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordPipeline counts a pipeline run stopping in status.
func (m *Metrics) RecordPipeline(pipeline, status string) {
	if m == nil {
		return
	}
	m.pipelines.WithLabelValues(pipeline, status).Inc()
}

// RecordPipelineStep counts a processed pipeline step.
func (m *Metrics) RecordPipelineStep(kind, status string) {
	if m == nil {
		return
	}
	m.pipelineSteps.WithLabelValues(kind, status).Inc()
}

// RecordApproval counts a resolved approval.
func (m *Metrics) RecordApproval(scope, result string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(scope, result).Inc()
}
