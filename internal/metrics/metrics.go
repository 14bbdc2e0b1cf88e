package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache restore outcomes.
const (
	CacheOutcomeExact  = "exact"
	CacheOutcomePrefix = "prefix"
	CacheOutcomeMiss   = "miss"
)

// Metrics gathers the platform counters. A nil *Metrics is valid and
// records nothing, which keeps activity fakes quiet in tests.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	cacheRestores   *prometheus.CounterVec
	scenesProcessed *prometheus.CounterVec
	benchmarkCells  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cropharvest_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cropharvest_runs_completed_total",
			Help: "Pipeline runs finished, by terminal status.",
		}, []string{"status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cropharvest_step_duration_seconds",
			Help:    "Wall time of executed pipeline steps.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"pipeline", "job"}),
		cacheRestores: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cropharvest_cache_restores_total",
			Help: "Cache restore attempts, by outcome.",
		}, []string{"outcome"}),
		scenesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cropharvest_scenes_processed_total",
			Help: "Satellite scenes processed, by outcome.",
		}, []string{"outcome"}),
		benchmarkCells: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cropharvest_benchmark_cells_total",
			Help: "Benchmark grid cells evaluated, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *Metrics) RunCompleted(status string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStepDuration(pipeline, job string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(pipeline, job).Observe(seconds)
}

func (m *Metrics) CacheRestore(outcome string) {
	if m == nil {
		return
	}
	m.cacheRestores.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SceneProcessed(outcome string) {
	if m == nil {
		return
	}
	m.scenesProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BenchmarkCell(outcome string) {
	if m == nil {
		return
	}
	m.benchmarkCells.WithLabelValues(outcome).Inc()
}
