// Package metrics holds the Prometheus instruments of the memory engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on their own registry so several engines can live
// in one process (tests do this).
type Metrics struct {
	registry *prometheus.Registry

	// memory_writes_total{type,indexed}
	MemoryWrites *prometheus.CounterVec
	// batch_items_total{job,result}
	BatchItems *prometheus.CounterVec
	// learning_merges_total{action}
	LearningMerges *prometheus.CounterVec
	// retrieval_degraded_total
	RetrievalDegraded prometheus.Counter
	RetrievalDuration prometheus.Histogram
	// background_tasks_total{task,result}
	BackgroundTasks *prometheus.CounterVec
}

// New creates the instruments. Metric names are prefixed "nuka_memory_".
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MemoryWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nuka_memory_writes_total",
			Help: "Memory records written, by type and whether the vector index accepted them",
		}, []string{"type", "indexed"}),
		BatchItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nuka_memory_batch_items_total",
			Help: "Items processed by batch jobs",
		}, []string{"job", "result"}),
		LearningMerges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nuka_memory_learning_merges_total",
			Help: "Learning merge outcomes",
		}, []string{"action"}),
		RetrievalDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "nuka_memory_retrieval_degraded_total",
			Help: "Retrievals that fell back to recency and importance ranking",
		}),
		RetrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nuka_memory_retrieval_duration_seconds",
			Help:    "Duration of prompt retrieval",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		BackgroundTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nuka_memory_background_tasks_total",
			Help: "Fire-and-forget interaction updates",
		}, []string{"task", "result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry to tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// MemoryWritten counts one stored record.
func (m *Metrics) MemoryWritten(memType string, indexed bool) {
	if m == nil {
		return
	}
	v := "false"
	if indexed {
		v = "true"
	}
	m.MemoryWrites.WithLabelValues(memType, v).Inc()
}

// BatchItem counts one processed item; err == nil counts as ok.
func (m *Metrics) BatchItem(job string, err error) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(job, result(err)).Inc()
}

func (m *Metrics) LearningMerged(action string) {
	if m == nil {
		return
	}
	m.LearningMerges.WithLabelValues(action).Inc()
}

// Retrieval observes one retrieval that began at start.
func (m *Metrics) Retrieval(start time.Time, degraded bool) {
	if m == nil {
		return
	}
	m.RetrievalDuration.Observe(time.Since(start).Seconds())
	if degraded {
		m.RetrievalDegraded.Inc()
	}
}

func (m *Metrics) BackgroundTask(task string, err error) {
	if m == nil {
		return
	}
	m.BackgroundTasks.WithLabelValues(task, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
