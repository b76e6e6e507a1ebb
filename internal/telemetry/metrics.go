package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued           = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_enqueued_total", Help: "Validation jobs admitted to the queue"})
	JobsCompleted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_completed_total", Help: "Validation jobs completed successfully"})
	JobsRetried            = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_retried_total", Help: "Failed attempts scheduled for retry"})
	JobsDeadLettered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter store"})
	DeadLetterCopyFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_dlq_copy_failures_total", Help: "Dead-letter transfers that failed"})
	RateLimitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	RecordsParsed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_records_parsed_total", Help: "Billing records parsed from input files"})
	ViolationsFound        = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_violations_total", Help: "Rule violations produced"})
	QueueDepthGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "validation_queue_depth", Help: "Waiting queue depth"})
	InFlightGauge          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "validation_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			DeadLetterCopyFailures,
			RateLimitRejects,
			RecordsParsed,
			ViolationsFound,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
