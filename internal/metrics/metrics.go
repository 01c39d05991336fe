// Package metrics exposes harness activity as Prometheus metrics. Workers are
// short-lived hook processes, so metrics are exported with the node exporter
// textfile convention instead of an HTTP endpoint.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/harness/internal/events"
)

// Metrics holds Prometheus metrics for one worker process.
//
// Metrics:
//   - harness_claims_total - tasks claimed
//   - harness_checkpoints_total - checkpoints recorded
//   - harness_task_outcomes_total{outcome,category} - finished attempts
//   - harness_validation_duration_seconds{outcome} - validation run time
//   - harness_rollbacks_total{cleanup} - rollbacks, by cleanup result
//   - harness_recoveries_total{action} - reconciled crashed attempts
//   - harness_dependency_failures_total{kind} - resolver verdicts
//   - harness_sessions_total - sessions started
//   - harness_tasks{status} - task counts at the end of the last session
type Metrics struct {
	registry *prometheus.Registry

	Claims             prometheus.Counter
	Checkpoints        prometheus.Counter
	Outcomes           *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	Rollbacks          *prometheus.CounterVec
	Recoveries         *prometheus.CounterVec
	DependencyFailures *prometheus.CounterVec
	Sessions           prometheus.Counter
	Tasks              *prometheus.GaugeVec
}

// New creates metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Claims: factory.NewCounter(prometheus.CounterOpts{
			Name: "harness_claims_total",
			Help: "Total number of tasks claimed",
		}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "harness_checkpoints_total",
			Help: "Total number of checkpoints recorded",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_task_outcomes_total",
			Help: "Total number of finished attempts",
		}, []string{"outcome", "category"}),
		ValidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harness_validation_duration_seconds",
			Help:    "Duration of validation commands in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"outcome"}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_rollbacks_total",
			Help: "Total number of rollbacks to a task baseline",
		}, []string{"cleanup"}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_recoveries_total",
			Help: "Total number of reconciled crashed attempts",
		}, []string{"action"}),
		DependencyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_dependency_failures_total",
			Help: "Total number of tasks failed by dependency resolution",
		}, []string{"kind"}),
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "harness_sessions_total",
			Help: "Total number of sessions started",
		}),
		Tasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harness_tasks",
			Help: "Number of tasks by status at the end of the last session",
		}, []string{"status"}),
	}
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe updates metrics from one event.
func (m *Metrics) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.TaskClaimedEvent:
		m.Claims.Inc()
	case events.TaskCheckpointEvent:
		m.Checkpoints.Inc()
	case events.ValidationFinishedEvent:
		m.ValidationDuration.WithLabelValues(ev.Outcome).Observe(ev.Duration.Seconds())
	case events.TaskCompletedEvent:
		m.Outcomes.WithLabelValues("completed", "").Inc()
	case events.TaskFailedEvent:
		outcome := "failed"
		if ev.Permanent {
			outcome = "failed_permanent"
		}
		m.Outcomes.WithLabelValues(outcome, ev.Category).Inc()
	case events.TaskRolledBackEvent:
		m.Rollbacks.WithLabelValues(fmt.Sprintf("%t", ev.CleanupOK)).Inc()
	case events.TaskRecoveredEvent:
		m.Recoveries.WithLabelValues(ev.Action).Inc()
	case events.TaskResolvedEvent:
		m.DependencyFailures.WithLabelValues(ev.Kind).Inc()
	case events.SessionStartedEvent:
		m.Sessions.Inc()
	case events.SessionEndedEvent:
		for status, n := range ev.Counts {
			m.Tasks.WithLabelValues(status).Set(float64(n))
		}
	}
}

// Consume observes events until ch is closed.
func (m *Metrics) Consume(ch <-chan events.Event) {
	for e := range ch {
		m.Observe(e)
	}
}

// WriteTextfile writes every metric to path in the Prometheus text format,
// atomically, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
