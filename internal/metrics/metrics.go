package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion
	WebhookNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_notifications_total",
			Help: "Inbound marketplace notifications by processing status",
		},
		[]string{"status"}, // accepted, duplicate, rejected, failed, in_flight
	)

	// Reconciliation
	ReconcileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_reconcile_outcomes_total",
			Help: "Lifecycle events processed by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ReconcileConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_reconcile_conflict_retries_total",
			Help: "Optimistic concurrency conflicts that triggered a reload",
		},
	)

	// Remote fulfillment API
	FulfillmentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_api_requests_total",
			Help: "Fulfillment API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	FulfillmentRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fulfillment_api_request_duration_seconds",
			Help:    "Latency of single fulfillment API attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Notifications
	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_notification_failures_total",
			Help: "Notification deliveries that failed by sink",
		},
		[]string{"sink"},
	)
)
