// Package metrics exposes job counters and timings in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the default registerer.
type Metrics struct {
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	processed   *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairplay",
		Name:      "job_runs_total",
		Help:      "Number of batch job runs by outcome",
	}, []string{"job", "status"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fairplay",
		Name:      "job_duration_seconds",
		Help:      "Wall time of a batch job run",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job"})
	m.processed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairplay",
		Name:      "job_instances_processed_total",
		Help:      "Event instances changed by a batch job",
	}, []string{"job"})
	m.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fairplay",
		Name:      "job_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful run",
	}, []string{"job"})

	m.reg.MustRegister(
		m.runs, m.duration, m.processed, m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records one finished run of job.
func (m *Metrics) ObserveRun(job string, took time.Duration, processed int, err error, finished time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(job, status).Inc()
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		return
	}
	if processed > 0 {
		m.processed.WithLabelValues(job).Add(float64(processed))
	}
	m.lastSuccess.WithLabelValues(job).Set(float64(finished.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
