package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted as pending"}, []string{"type"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retry_scheduled_total", Help: "Failures rescheduled with backoff"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs moved to the terminal failed state"}, []string{"type"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by this worker"})
	EventsBuffered     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_events_buffered_total", Help: "Events accepted into a merge buffer"}, []string{"rule"})
	BuffersFlushed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_buffers_flushed_total", Help: "Buffers closed, including throttled ones"}, []string{"rule"})
	FlushesThrottled   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_flushes_throttled_total", Help: "Flushes dropped by the throttle window"}, []string{"rule"})
	NotificationsSent  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_recorded_total", Help: "Composed notifications recorded as jobs"}, []string{"rule"})
	ActiveBuffersGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notification_buffers_active", Help: "Open merge buffers"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the ingest rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			InFlightGauge,
			EventsBuffered,
			BuffersFlushed,
			FlushesThrottled,
			NotificationsSent,
			ActiveBuffersGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
