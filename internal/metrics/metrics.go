package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails handed to the transport successfully",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails the transport refused or failed to deliver",
		},
	)

	QueueEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_queue_entries_total",
			Help: "Queue entries processed, by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Queue entries by status after the last dispatch",
		},
		[]string{"status"},
	)

	OrphanedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_orphaned_entries_total",
			Help: "System entries that referenced a missing order",
		},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order status transitions performed by the engine",
		},
		[]string{"to"},
	)

	NotificationsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_notifications_claimed_total",
			Help: "One-time order side effects claimed, by kind",
		},
		[]string{"kind"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_task_duration_seconds",
			Help:    "Duration of automation tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "status"},
	)

	ReportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "report_failures_total",
			Help: "Report renders that failed and were left out of a summary",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

var once sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			EmailsSent,
			EmailFailures,
			QueueEntries,
			QueueDepth,
			OrphanedEntries,
			OrderTransitions,
			NotificationsClaimed,
			TaskDuration,
			ReportFailures,
			HTTPRequests,
			HTTPDuration,
		)
	})
}
