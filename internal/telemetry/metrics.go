package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	InboundMessages      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leavebot_inbound_messages_total", Help: "Inbound messages by routing outcome"}, []string{"route"})
	TaskRuns             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leavebot_task_runs_total", Help: "Task executions by type and outcome"}, []string{"task_type", "outcome"})
	DeliveryCallbacks    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leavebot_delivery_callbacks_total", Help: "Delivery status callbacks by status and effect"}, []string{"status", "effect"})
	AggregateNotices     = prometheus.NewCounter(prometheus.CounterOpts{Name: "leavebot_batch_notifications_total", Help: "Aggregate fan-out notifications sent to job owners"})
	UnresolvedBatches    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leavebot_batches_unresolved_total", Help: "Fan-out batches still pending at the delayed check"})
	ActiveWorkers        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leavebot_scheduler_active_workers", Help: "Per-key workers currently holding a slot"})
	BackgroundQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leavebot_background_queue_depth", Help: "Background closures waiting for a worker"})
	SweptJobs            = prometheus.NewCounter(prometheus.CounterOpts{Name: "leavebot_retention_swept_jobs_total", Help: "Jobs removed by the retention sweep"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "leavebot_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			InboundMessages,
			TaskRuns,
			DeliveryCallbacks,
			AggregateNotices,
			UnresolvedBatches,
			ActiveWorkers,
			BackgroundQueueDepth,
			SweptJobs,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
