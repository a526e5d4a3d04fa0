package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestedMessages counts ingestion outcomes per message
	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_ingested_messages_total",
			Help: "Total number of failure reports ingested",
		},
		[]string{"outcome"},
	)

	// IngestionBatchSize tracks how many messages each pipeline batch drained
	IngestionBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recovery_ingestion_batch_size",
			Help:    "Number of messages processed per ingestion batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	// IngestionRetries counts immediate in-place retries
	IngestionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recovery_ingestion_retries_total",
			Help: "Total number of immediate ingestion retries",
		},
	)

	// QuarantinedMessages counts messages moved to quarantine
	QuarantinedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recovery_quarantined_messages_total",
			Help: "Total number of ingestion messages quarantined",
		},
	)

	// IngestionRestarts counts watchdog restarts of the receive loop
	IngestionRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recovery_ingestion_restarts_total",
			Help: "Total number of ingestion restarts performed by the watchdog",
		},
	)

	// BreakerState exposes the ingestion circuit breaker state (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recovery_ingestion_breaker_state",
			Help: "Ingestion circuit breaker state",
		},
	)

	// RetryMessages counts messages per staging outcome
	RetryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_retry_messages_total",
			Help: "Total number of messages by retry outcome",
		},
		[]string{"outcome"},
	)

	// RetryBatches counts batches per lifecycle outcome
	RetryBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_retry_batches_total",
			Help: "Total number of retry batches by outcome",
		},
		[]string{"outcome"},
	)

	// ForwardDuration tracks how long forwarding one batch takes
	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recovery_forward_duration_seconds",
			Help:    "Time taken to forward a retry batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OperationsInFlight tracks live operations per tracker
	OperationsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recovery_operations_in_flight",
			Help: "Number of bulk operations currently in flight",
		},
		[]string{"tracker"},
	)

	// HTTPRequests counts API requests by route template and status
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "code"},
	)

	// HTTPDuration tracks API latency by route template
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Outcome labels
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeStaged    = "staged"
	OutcomeSkipped   = "skipped"
	OutcomeForwarded = "forwarded"
	OutcomeResolved  = "resolved"
	OutcomeCreated   = "created"
	OutcomeCancelled = "cancelled"
	OutcomeCompleted = "completed"
	OutcomeAdopted   = "adopted"
	OutcomeTakenOver = "taken_over"
)
