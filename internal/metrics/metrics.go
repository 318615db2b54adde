// Package metrics exposes Prometheus instrumentation for the batch
// execution engine: session churn, batch throughput, per-status task
// counts and poller health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andrej220/winbatch/pkg/batch"
)

// Collector bundles the engine's Prometheus metrics.
type Collector struct {
	sessionsOpened  prometheus.Counter
	sessionFailures prometheus.Counter

	batchesDispatched prometheus.Counter
	batchDuration     prometheus.Histogram

	tasksByStatus *prometheus.CounterVec

	retries          prometheus.Counter
	statusCorrupted  prometheus.Counter
	sessionsInFlight prometheus.Gauge
}

// NewCollector builds and registers the metric set. reg may be nil, in
// which case the default registerer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winbatch_sessions_opened_total",
			Help: "Total number of transport sessions established",
		}),
		sessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winbatch_session_failures_total",
			Help: "Total number of failed session acquisitions",
		}),
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winbatch_batches_dispatched_total",
			Help: "Total number of batches dispatched to remote executors",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "winbatch_batch_duration_seconds",
			Help:    "Wall-clock duration of one batch dispatch including polling",
			Buckets: prometheus.DefBuckets,
		}),
		tasksByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "winbatch_tasks_total",
			Help: "Total number of tasks by terminal status",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winbatch_retries_total",
			Help: "Total number of transport-level retries",
		}),
		statusCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "winbatch_status_corrupted_total",
			Help: "Total number of rejected non-monotonic status snapshots",
		}),
		sessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "winbatch_sessions_in_flight",
			Help: "Current number of sessions carrying an in-flight batch",
		}),
	}

	reg.MustRegister(
		c.sessionsOpened,
		c.sessionFailures,
		c.batchesDispatched,
		c.batchDuration,
		c.tasksByStatus,
		c.retries,
		c.statusCorrupted,
		c.sessionsInFlight,
	)
	return c
}

// All record methods tolerate a nil receiver so instrumentation stays
// optional for library users and tests.

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsOpened.Inc()
	}
}

func (c *Collector) SessionFailed() {
	if c != nil {
		c.sessionFailures.Inc()
	}
}

func (c *Collector) SessionBorrowed() {
	if c != nil {
		c.sessionsInFlight.Inc()
	}
}

func (c *Collector) SessionReturned() {
	if c != nil {
		c.sessionsInFlight.Dec()
	}
}

func (c *Collector) BatchDispatched() {
	if c != nil {
		c.batchesDispatched.Inc()
	}
}

func (c *Collector) ObserveBatch(seconds float64) {
	if c != nil {
		c.batchDuration.Observe(seconds)
	}
}

func (c *Collector) TaskFinished(status batch.TaskStatus) {
	if c != nil {
		c.tasksByStatus.WithLabelValues(string(status)).Inc()
	}
}

func (c *Collector) Retry() {
	if c != nil {
		c.retries.Inc()
	}
}

func (c *Collector) StatusCorrupted() {
	if c != nil {
		c.statusCorrupted.Inc()
	}
}
