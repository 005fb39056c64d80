package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	WorkflowsTotal *prometheus.CounterVec
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksInFlight  prometheus.Gauge
}

// New registers the collectors on reg. It returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "workflows_total",
			Help:      "Finished workflows by terminal status.",
		}, []string{"status"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "tasks_total",
			Help:      "Finished tasks by agent and terminal status.",
		}, []string{"agent", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmesh",
			Name:      "task_duration_seconds",
			Help:      "Agent call duration per task.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"agent"}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "tasks_in_flight",
			Help:      "Agent calls currently outstanding.",
		}),
	}
	reg.MustRegister(m.WorkflowsTotal, m.TasksTotal, m.TaskDuration, m.TasksInFlight)
	return m
}

// RegisterDropped exposes a sink's drop counter.
func RegisterDropped(reg prometheus.Registerer, dropped func() uint64) {
	if reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "flowmesh",
		Name:      "sink_events_dropped_total",
		Help:      "Events discarded because the sink buffer was full.",
	}, func() float64 { return float64(dropped()) }))
}

func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.WorkflowsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

// TaskFinished records the outcome of an agent call that TaskStarted counted.
func (m *Metrics) TaskFinished(agent, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
	m.TasksTotal.WithLabelValues(agent, status).Inc()
	m.TaskDuration.WithLabelValues(agent).Observe(took.Seconds())
}

// TaskAbandoned releases an agent call whose task was skipped by a
// cancellation. The skip itself is counted by TaskSkipped.
func (m *Metrics) TaskAbandoned(agent string, took time.Duration) {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
	m.TaskDuration.WithLabelValues(agent).Observe(took.Seconds())
}

// TaskSkipped counts a task skipped by a failed dependency or a cancellation.
func (m *Metrics) TaskSkipped(agent string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(agent, "skipped").Inc()
}
