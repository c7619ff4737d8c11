// Package metrics exposes engine metrics through a private Prometheus registry.
//
// All recording methods are safe on a nil *Metrics so components can be built
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentflow"

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	workflowsTotal   *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	attemptsTotal    *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	rateLimitWait    *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	leaseWait        prometheus.Histogram
	leaseTimeouts    prometheus.Counter
	eventsDropped    prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflows finished, by terminal status.",
		}, []string{"status"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall time of workflow executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks settled, by worker and terminal status.",
		}, []string{"worker", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		}, []string{"worker"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_attempts_total",
			Help:      "Calls made to workers, by outcome.",
		}, []string{"worker", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_in_flight",
			Help:      "Calls currently in flight per worker.",
		}, []string{"worker"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limit token or a concurrency slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"worker"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Requests waiting in the per-worker priority queue.",
		}, []string{"worker"}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent acquiring resource leases.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		leaseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_timeouts_total",
			Help:      "Lease acquisitions that gave up after the bounded wait.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a mailbox was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workflowsTotal,
		m.workflowDuration,
		m.tasksTotal,
		m.taskDuration,
		m.attemptsTotal,
		m.inFlight,
		m.rateLimitWait,
		m.queueDepth,
		m.leaseWait,
		m.leaseTimeouts,
		m.eventsDropped,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WorkflowFinished records a terminal workflow.
func (m *Metrics) WorkflowFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.workflowsTotal.WithLabelValues(status).Inc()
	m.workflowDuration.Observe(d.Seconds())
}

// TaskFinished records a settled task.
func (m *Metrics) TaskFinished(worker, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(worker, status).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(worker).Observe(d.Seconds())
	}
}

// Attempt records a single worker call outcome: "success", "retry" or "failure".
func (m *Metrics) Attempt(worker, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(worker, outcome).Inc()
}

// InFlight adjusts the in-flight gauge for worker.
func (m *Metrics) InFlight(worker string, delta int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(worker).Add(float64(delta))
}

// RateLimitWaited records time spent before a call was admitted.
func (m *Metrics) RateLimitWaited(worker string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(worker).Observe(d.Seconds())
}

// QueueDepth sets the number of waiters queued for worker.
func (m *Metrics) QueueDepth(worker string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(worker).Set(float64(depth))
}

// LeaseWaited records a lease acquisition attempt.
func (m *Metrics) LeaseWaited(d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.leaseWait.Observe(d.Seconds())
	if !acquired {
		m.leaseTimeouts.Inc()
	}
}

// EventDropped counts an event lost to a full mailbox.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
