package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commands_total",
			Help: "Total number of engine commands by operation and outcome",
		},
		[]string{"op", "outcome"}, // outcome: success or the error kind
	)

	CommandProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_command_processing_duration_seconds",
			Help:    "Time to process an engine command",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op"},
	)

	TransferAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_amount",
			Help:    "Transfer amount distribution (in cents)",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"type"},
	)

	// Journal metrics
	EventsStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_stored_total",
			Help: "Total number of events committed",
		},
		[]string{"type"},
	)

	JournalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_journal_write_duration_seconds",
			Help:    "Time to append an event batch to the journal",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	// Account metrics
	AccountBalanceGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_account_balance",
			Help: "Current account balance (in cents)",
		},
		[]string{"account"},
	)

	TotalBalanceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_total_balance",
			Help: "Total balance across all accounts (in cents)",
		},
	)

	AccountCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_account_count",
			Help: "Total number of accounts",
		},
	)

	PendingRequestsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_pending_requests",
			Help: "Number of transfer requests awaiting resolution",
		},
	)

	// Idempotency metrics
	DuplicateCommandsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_duplicate_commands_total",
			Help: "Total number of duplicate commands detected",
		},
	)
)
