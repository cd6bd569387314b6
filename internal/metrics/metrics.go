// Package metrics owns the Prometheus registry for the service. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paysink"

type Metrics struct {
	registry *prometheus.Registry

	webhooksTotal      *prometheus.CounterVec
	verifyDuration     *prometheus.HistogramVec
	rateLimitTotal     *prometheus.CounterVec
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobsRecoveredTotal *prometheus.CounterVec
	panicsTotal        prometheus.Counter
	schedulerRuns      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound webhook requests by endpoint and result",
		}, []string{"endpoint", "result"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signature_verify_duration_seconds",
			Help:      "Time spent resolving the secret and verifying the signature",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"endpoint"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions",
		}, []string{"decision"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Processed queue jobs by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of a single job attempt",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),
		jobsRecoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Jobs reclaimed from expired leases by resulting status",
		}, []string{"status"}),
		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Panics recovered in processor workers",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_runs_total",
			Help:      "Scheduled task runs by task and status",
		}, []string{"task", "status"}),
	}
	reg.MustRegister(m.webhooksTotal, m.verifyDuration, m.rateLimitTotal, m.jobsTotal,
		m.jobDuration, m.jobsRecoveredTotal, m.panicsTotal, m.schedulerRuns)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WebhookReceived(endpoint, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) ObserveVerify(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.verifyDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) RateLimitDecision(decision string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) JobProcessed(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.jobDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) JobRecovered(status string) {
	if m == nil {
		return
	}
	m.jobsRecoveredTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.panicsTotal.Inc()
}

func (m *Metrics) SchedulerRun(task, status string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(task, status).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
