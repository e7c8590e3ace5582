// Package telemetry owns the Prometheus collectors for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "senso_visibility"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	jobs             *prometheus.CounterVec
	providerCalls    *prometheus.HistogramVec
	analysisFallback prometheus.Counter
	corrections      *prometheus.CounterVec
	schedulerTicks   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Prompt x platform jobs by outcome.",
		}, []string{"status"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of answer-provider calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "outcome"}),
		analysisFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_fallbacks_total",
			Help:      "Analyses that degraded to text matching.",
		}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hallucination_corrections_total",
			Help:      "Mentions dropped or added after checking the answer text.",
		}, []string{"kind"}),
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_business_runs_total",
			Help:      "Businesses processed by the scheduler by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.providerCalls, m.analysisFallback, m.corrections, m.schedulerTicks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobSettled(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) ProviderCall(provider string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

func (m *Metrics) AnalysisFallback() {
	if m == nil {
		return
	}
	m.analysisFallback.Inc()
}

// Correction counts one mention dropped ("dropped") or added ("added").
func (m *Metrics) Correction(kind string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(kind).Inc()
}

func (m *Metrics) SchedulerRun(outcome string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(outcome).Inc()
}
