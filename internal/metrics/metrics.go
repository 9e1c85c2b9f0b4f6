// Package metrics holds the Prometheus collectors for one process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ntd"

type Metrics struct {
	Registry *prometheus.Registry

	dispatches    *prometheus.CounterVec
	gateRejects   *prometheus.CounterVec
	orphaned      prometheus.Counter
	stageResults  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	stageEvents   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Stage dispatch attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		gateRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_gate_rejections_total",
			Help:      "Operations refused because a dependency was unhealthy.",
		}, []string{"operation"}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_work_items_total",
			Help:      "Work items enqueued but never linked to their assignment.",
		}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Finished stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Capture uploads by outcome.",
		}, []string{"outcome"}),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_events_total",
			Help:      "Stage lifecycle events seen on the event subject.",
		}, []string{"stage", "phase"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches, m.gateRejects, m.orphaned, m.stageResults,
		m.stageDuration, m.uploads, m.stageEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Dispatch(stage, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) GateRejected(operation string) {
	if m == nil {
		return
	}
	m.gateRejects.WithLabelValues(operation).Inc()
}

func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.orphaned.Inc()
}

func (m *Metrics) StageFinished(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageResults.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StageEvent(stage, phase string) {
	if m == nil {
		return
	}
	m.stageEvents.WithLabelValues(stage, phase).Inc()
}
