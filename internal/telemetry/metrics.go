package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_enqueued_total", Help: "Total enqueued generation jobs"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_claimed_total", Help: "Jobs claimed by a worker"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_reclaimed_total", Help: "Stale processing jobs returned to pending"})
	JobsTerminal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_jobs_failed_total", Help: "Jobs that failed permanently"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "plans_jobs_inflight", Help: "Jobs currently executing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_rate_limit_rejects_total", Help: "Reservations rejected by the rate limiter"})
	StreamsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_streams_started_total", Help: "Synchronous generation streams started"})
	StreamsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "plans_streams_cancelled_total", Help: "Streams ended by caller disconnect or timeout"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsReclaimed,
			JobsTerminal,
			InFlightGauge,
			RateLimitRejects,
			StreamsStarted,
			StreamsCancelled,
		)
	})
	return promhttp.Handler()
}
