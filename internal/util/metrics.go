package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_consumed_total",
		Help: "Total number of messages fetched from the order queue",
	})

	MessagesAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_acked_total",
		Help: "Total number of messages acknowledged",
	})

	MessagesRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_requeued_total",
		Help: "Total number of messages returned to the queue for redelivery",
	})

	MessagesDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_dead_lettered_total",
		Help: "Total number of messages routed to the dead-letter topic",
	}, []string{"failure_type"})

	DecodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_failures_total",
		Help: "Total number of payloads that failed to decrypt or parse",
	})

	ValidationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validation_failures_total",
		Help: "Total number of orders rejected by business-rule validation",
	})

	DuplicatesSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicates_suppressed_total",
		Help: "Total number of redeliveries short-circuited by the duplicate check",
	})

	CRMDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_deliveries_total",
		Help: "Total number of downstream delivery attempts by outcome class",
	}, []string{"outcome"})

	CRMDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crm_delivery_latency_seconds",
		Help:    "Latency of downstream CRM create-record calls",
		Buckets: prometheus.DefBuckets,
	})

	TokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_refreshes_total",
		Help: "Total number of OAuth token refresh exchanges",
	})

	DedupEntriesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dedup_entries_tracked",
		Help: "Current number of entries in the duplicate-suppression cache",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
