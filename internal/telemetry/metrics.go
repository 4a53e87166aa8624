package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_enqueued_total", Help: "Total enqueued jobs"})
	DuplicateRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_duplicate_total", Help: "Enqueues rejected because an active job holds the dedupe key"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ClaimCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_claimed_total", Help: "Jobs leased by workers"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_retried_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_dead_total", Help: "Jobs that exhausted their attempts or failed permanently"})
	CancelCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_canceled_total", Help: "Jobs canceled by their owner"})
	AbandonedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_abandoned_total", Help: "Runs dropped after the lease was lost or the job was canceled"})
	ReclaimedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_leases_reclaimed_total", Help: "Expired leases released by the sweeper"}, []string{"outcome"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Pending jobs whose run_at has passed"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_jobs_inflight", Help: "Jobs currently executing in this process"})
	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analysis_execution_seconds",
		Help:    "Analyzer wall time by outcome",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateRejects,
			RateLimitRejects,
			ClaimCounter,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			CancelCounter,
			AbandonedCounter,
			ReclaimedCounter,
			QueueDepthGauge,
			InFlightGauge,
			ExecutionDuration,
		)
	})
	return promhttp.Handler()
}
