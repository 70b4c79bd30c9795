// Package observability exposes metrics, health and pprof over HTTP.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nrtool"

// Submission outcomes.
const (
	ResultOK        = "ok"
	ResultHTTPError = "http_error"
	ResultTransport = "transport_error"
	ResultSkipped   = "skipped"
)

// Metrics is the process metric set. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	submissions    *prometheus.CounterVec
	submitAttempts prometheus.Histogram
	jitterDelay    prometheus.Histogram
	jobRuns        *prometheus.CounterVec
	jobsScheduled  prometheus.Gauge
	tasksLoaded    prometheus.Gauge
	reloads        *prometheus.CounterVec
	serverOffset   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Form submissions by task and outcome.",
		}, []string{"task", "result"}),
		submitAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_attempts",
			Help:      "HTTP attempts needed per submission.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		jitterDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jitter_delay_seconds",
			Help:      "Random delay applied before deferred submissions.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobsScheduled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs",
			Help:      "Jobs currently registered with the scheduler.",
		}),
		tasksLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_loaded",
			Help:      "Enabled tasks in the active task set.",
		}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_reloads_total",
			Help:      "tasks.yaml reloads by result.",
		}, []string{"result"}),
		serverOffset: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_time_offset_seconds",
			Help:      "Form server clock minus local clock.",
		}),
	}
}

// Registry returns the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveSubmission(task, result string, attempts int) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(task, result).Inc()
	if attempts > 0 {
		m.submitAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) ObserveJitter(d time.Duration) {
	if m == nil {
		return
	}
	m.jitterDelay.Observe(d.Seconds())
}

func (m *Metrics) ObserveJobRun(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetJobs(n int) {
	if m == nil {
		return
	}
	m.jobsScheduled.Set(float64(n))
}

func (m *Metrics) SetTasks(n int) {
	if m == nil {
		return
	}
	m.tasksLoaded.Set(float64(n))
}

func (m *Metrics) ObserveReload(ok bool) {
	if m == nil {
		return
	}
	res := "ok"
	if !ok {
		res = "rejected"
	}
	m.reloads.WithLabelValues(res).Inc()
}

func (m *Metrics) SetServerOffset(seconds float64) {
	if m == nil {
		return
	}
	m.serverOffset.Set(seconds)
}
