// Package metrics exposes engine and LLM counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service records. A nil *Metrics is
// valid and records nothing, so packages and tests can skip wiring it.
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied    *prometheus.CounterVec
	llmTasks         *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
	snapshotsWritten prometheus.Counter
	appendConflicts  prometheus.Counter
	hintsThrottled   prometheus.Counter
	sessionsSwept    prometheus.Counter
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questline_events_applied_total",
				Help: "Events committed to session logs, by event type",
			},
			[]string{"event_type"},
		),
		llmTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questline_llm_tasks_total",
				Help: "LLM tasks executed, by task type and outcome",
			},
			[]string{"task_type", "outcome"}, // outcome: ok/degraded/failed
		),
		llmLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questline_llm_task_duration_seconds",
				Help:    "Time spent waiting on the model per task",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task_type", "provider"},
		),
		snapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questline_snapshots_written_total",
			Help: "State snapshots written at the snapshot cadence",
		}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questline_append_conflicts_total",
			Help: "Appends rejected because another writer committed first",
		}),
		hintsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questline_hints_throttled_total",
			Help: "Hint requests rejected by the rate limiter",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questline_sessions_swept_total",
			Help: "Idle sessions abandoned by the sweeper",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsApplied, m.llmTasks, m.llmLatency,
		m.snapshotsWritten, m.appendConflicts, m.hintsThrottled, m.sessionsSwept,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EventApplied counts one committed event.
func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

// LLMTask records one task outcome and its latency.
func (m *Metrics) LLMTask(taskType, provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmTasks.WithLabelValues(taskType, outcome).Inc()
	m.llmLatency.WithLabelValues(taskType, provider).Observe(d.Seconds())
}

// SnapshotsWritten adds n written snapshots.
func (m *Metrics) SnapshotsWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.snapshotsWritten.Add(float64(n))
}

// AppendConflict counts one rejected append.
func (m *Metrics) AppendConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

// HintThrottled counts one rate-limited hint request.
func (m *Metrics) HintThrottled() {
	if m == nil {
		return
	}
	m.hintsThrottled.Inc()
}

// SessionSwept counts one idle session abandoned by the sweeper.
func (m *Metrics) SessionSwept() {
	if m == nil {
		return
	}
	m.sessionsSwept.Inc()
}
