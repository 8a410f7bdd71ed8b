// ============================================================================
// hive-exec Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Worker and coordinator counters exposed on /metrics
//
// Worker metrics:
//   hive_worker_jobs_started_total            jobs that reached Running
//   hive_worker_jobs_finished_total           final results reported
//   hive_worker_jobs_aborted_total            aborts acknowledged
//   hive_worker_jobs_failed_total{kind}       by error kind: module_resolution,
//                                             job_load, execution_fault
//   hive_worker_job_duration_seconds          Running -> terminal
//   hive_worker_jobs_active                   size of the active job map
//   hive_worker_snapshots_total               snapshots captured
//   hive_worker_control_messages_total{kind}  messages handled by the loop
//   hive_worker_control_errors_total          handler panics recovered by the loop
//
// Coordinator metrics:
//   hive_coordinator_jobs_submitted_total
//   hive_coordinator_jobs_assigned_total
//   hive_coordinator_jobs_requeued_total      jobs taken back from lost workers
//   hive_coordinator_jobs{status}             current jobs per status
//   hive_coordinator_workers_online
//
// Useful queries:
//   rate(hive_worker_jobs_failed_total{kind="execution_fault"}[5m])
//   histogram_quantile(0.95, hive_worker_job_duration_seconds_bucket)
//   hive_coordinator_jobs{status="waiting"} / hive_coordinator_workers_online
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Collector holds every hive metric
type Collector struct {
	// worker
	jobsStarted     prometheus.Counter
	jobsFinished    prometheus.Counter
	jobsAborted     prometheus.Counter
	jobsFailed      *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	jobsActive      prometheus.Gauge
	snapshots       prometheus.Counter
	controlMessages *prometheus.CounterVec
	controlErrors   prometheus.Counter

	// coordinator
	jobsSubmitted prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsRequeued  prometheus.Counter
	jobsByStatus  *prometheus.GaugeVec
	workersOnline prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_worker_jobs_started_total",
			Help: "Jobs that reached the running state",
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_worker_jobs_finished_total",
			Help: "Jobs whose final result was reported",
		}),
		jobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_worker_jobs_aborted_total",
			Help: "Jobs aborted on request",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_worker_jobs_failed_total",
			Help: "Jobs that failed, by error kind",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hive_worker_job_duration_seconds",
			Help:    "Time from start to a terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_worker_jobs_active",
			Help: "Jobs currently held by the worker",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_worker_snapshots_total",
			Help: "Snapshots captured from running jobs",
		}),
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_worker_control_messages_total",
			Help: "Control messages handled, by kind",
		}, []string{"kind"}),
		controlErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_worker_control_errors_total",
			Help: "Control message handlers that panicked",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_coordinator_jobs_submitted_total",
			Help: "Jobs accepted by the coordinator",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_coordinator_jobs_assigned_total",
			Help: "Jobs handed to workers",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_coordinator_jobs_requeued_total",
			Help: "Jobs returned to waiting after their worker went offline",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hive_coordinator_jobs",
			Help: "Jobs known to the coordinator, by status",
		}, []string{"status"}),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_coordinator_workers_online",
			Help: "Workers with a recent heartbeat",
		}),
	}

	reg.MustRegister(
		c.jobsStarted, c.jobsFinished, c.jobsAborted, c.jobsFailed, c.jobDuration,
		c.jobsActive, c.snapshots, c.controlMessages, c.controlErrors,
		c.jobsSubmitted, c.jobsAssigned, c.jobsRequeued, c.jobsByStatus, c.workersOnline,
	)
	return c
}

// ============================================================================
// Worker
// ============================================================================

func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

func (c *Collector) RecordJobFinished(seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.Inc()
	c.jobDuration.Observe(seconds)
}

func (c *Collector) RecordJobAborted(seconds float64) {
	if c == nil {
		return
	}
	c.jobsAborted.Inc()
	c.jobDuration.Observe(seconds)
}

func (c *Collector) RecordJobFailed(kind types.ErrorKind) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) SetActiveJobs(n int) {
	if c == nil {
		return
	}
	c.jobsActive.Set(float64(n))
}

func (c *Collector) RecordSnapshot() {
	if c == nil {
		return
	}
	c.snapshots.Inc()
}

func (c *Collector) RecordControlMessage(kind string) {
	if c == nil {
		return
	}
	c.controlMessages.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordControlError() {
	if c == nil {
		return
	}
	c.controlErrors.Inc()
}

// ============================================================================
// Coordinator
// ============================================================================

func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

func (c *Collector) RecordAssign() {
	if c == nil {
		return
	}
	c.jobsAssigned.Inc()
}

func (c *Collector) RecordRequeue(n int) {
	if c == nil {
		return
	}
	c.jobsRequeued.Add(float64(n))
}

// UpdateJobStats sets the per status gauge; statuses missing from counts are zeroed
func (c *Collector) UpdateJobStats(counts map[types.JobStatus]int) {
	if c == nil {
		return
	}
	for _, status := range []types.JobStatus{
		types.StatusWaiting, types.StatusCalculating, types.StatusFinished, types.StatusAborted, types.StatusFailed,
	} {
		c.jobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) SetWorkersOnline(n int) {
	if c == nil {
		return
	}
	c.workersOnline.Set(float64(n))
}

// Handler serves the metrics of gatherer; nil means the default gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on port
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}
