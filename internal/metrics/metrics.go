// ============================================================================
// Scheduler Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose scheduler metrics for Prometheus
//
// Metric Categories:
//
//   1. Job Counters - cumulative, monotonically increasing:
//      - scheduler_jobs_submitted_total
//      - scheduler_jobs_completed_total / _failed_total / _stopped_total
//      - scheduler_jobs_queued_total / scheduler_queue_timeouts_total
//      - scheduler_tier_fallbacks_total / scheduler_pool_rejections_total
//      - scheduler_reservations_swept_total
//
//   2. Performance Metrics (Histogram):
//      - scheduler_execution_duration_seconds
//
//   3. Status Metrics (Gauge) - instantaneous values:
//      - scheduler_ram_available_mb, scheduler_ram_reservations
//      - scheduler_disk_reservations, scheduler_queue_depth
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the scheduler.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsStopped   prometheus.Counter
	jobsQueued    prometheus.Counter
	queueTimeouts prometheus.Counter
	tierFallbacks prometheus.Counter
	poolRejects   prometheus.Counter
	sweptTotal    prometheus.Counter

	executionDuration prometheus.Histogram

	ramAvailableMB   prometheus.Gauge
	ramReservations  prometheus.Gauge
	diskReservations prometheus.Gauge
	queueDepth       prometheus.Gauge
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg. Tests pass their
// own registry to avoid duplicate registration.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_submitted_total",
			Help: "Total number of jobs accepted by admission",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_completed_total",
			Help: "Total number of jobs that completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_stopped_total",
			Help: "Total number of jobs stopped administratively",
		}),
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_queued_total",
			Help: "Total number of jobs parked in the wait queue",
		}),
		queueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_queue_timeouts_total",
			Help: "Total number of queue entries that expired",
		}),
		tierFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tier_fallbacks_total",
			Help: "Total number of RAM-preferred jobs placed on Disk",
		}),
		poolRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_pool_rejections_total",
			Help: "Total number of jobs failed because no pool could admit them",
		}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_reservations_swept_total",
			Help: "Total number of stale reservations reclaimed by the sweeper",
		}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_execution_duration_seconds",
			Help:    "Wall-clock execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ramAvailableMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_ram_available_mb",
			Help: "Unreserved RAM pool capacity in megabytes",
		}),
		ramReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_ram_reservations",
			Help: "Current number of live RAM reservations",
		}),
		diskReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_disk_reservations",
			Help: "Current number of live Disk reservations",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Current wait queue depth",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed, c.jobsStopped,
		c.jobsQueued, c.queueTimeouts, c.tierFallbacks, c.poolRejects,
		c.sweptTotal, c.executionDuration,
		c.ramAvailableMB, c.ramReservations, c.diskReservations, c.queueDepth,
	)

	return c
}

// RecordSubmitted counts a job accepted by admission.
func (c *Collector) RecordSubmitted() { c.jobsSubmitted.Inc() }

// RecordCompleted counts a successful job with its execution duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.executionDuration.Observe(durationSeconds)
}

// RecordFailed counts a failed job.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordStopped counts an administratively stopped job.
func (c *Collector) RecordStopped() { c.jobsStopped.Inc() }

// RecordQueued counts a job parked in the wait queue.
func (c *Collector) RecordQueued() { c.jobsQueued.Inc() }

// RecordQueueTimeout counts an expired queue entry.
func (c *Collector) RecordQueueTimeout() { c.queueTimeouts.Inc() }

// RecordFallback counts a RAM-preferred job placed on Disk.
func (c *Collector) RecordFallback() { c.tierFallbacks.Inc() }

// RecordPoolRejection counts a job no pool could admit.
func (c *Collector) RecordPoolRejection() { c.poolRejects.Inc() }

// RecordSwept counts reclaimed stale reservations.
func (c *Collector) RecordSwept(n int) { c.sweptTotal.Add(float64(n)) }

// UpdatePoolStats refreshes the utilization gauges.
func (c *Collector) UpdatePoolStats(ramAvailableMB int64, ramReservations, diskReservations, queueDepth int) {
	c.ramAvailableMB.Set(float64(ramAvailableMB))
	c.ramReservations.Set(float64(ramReservations))
	c.diskReservations.Set(float64(diskReservations))
	c.queueDepth.Set(float64(queueDepth))
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
