package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the facilitator.
type Metrics struct {
	// Intent lifecycle metrics
	IntentsCreatedTotal  prometheus.Counter
	TransitionsTotal     *prometheus.CounterVec
	IntentsByState       *prometheus.GaugeVec
	VerificationsTotal   *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	ConfirmationDuration prometheus.Histogram

	// Monitor metrics
	BlocksScannedTotal    prometheus.Counter
	MempoolScansTotal     prometheus.Counter
	PaymentsDetectedTotal *prometheus.CounterVec
	ReorgsHandledTotal    prometheus.Counter
	TransactionsLostTotal prometheus.Counter
	MonitorCursorHeight   prometheus.Gauge

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookFailedTotal  *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// System metrics
	ArchivalRunsTotal      prometheus.Counter
	ArchivalRecordsDeleted prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		IntentsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_intents_created_total",
				Help: "Total number of payment intents created",
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_intent_transitions_total",
				Help: "Total number of intent state transitions",
			},
			[]string{"from", "to"},
		),
		IntentsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zecpay_intents_by_state",
				Help: "Current number of payment intents per state",
			},
			[]string{"state"},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_verifications_total",
				Help: "Total number of payment authorization verifications",
			},
			[]string{"scheme", "result"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zecpay_settlement_duration_seconds",
				Help:    "Time from intent creation to settlement",
				Buckets: []float64{15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"network"},
		),
		ConfirmationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zecpay_confirmation_duration_seconds",
				Help:    "Time from first detection to reaching required confirmations",
				Buckets: []float64{75, 150, 300, 600, 1200, 2400, 4800},
			},
		),

		BlocksScannedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_monitor_blocks_scanned_total",
				Help: "Total number of blocks scanned by the monitor",
			},
		),
		MempoolScansTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_monitor_mempool_scans_total",
				Help: "Total number of mempool scan passes",
			},
		),
		PaymentsDetectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_monitor_payments_detected_total",
				Help: "Total number of on-chain payments matched to intents",
			},
			[]string{"source"},
		),
		ReorgsHandledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_monitor_reorgs_handled_total",
				Help: "Total number of chain reorganizations handled",
			},
		),
		TransactionsLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_monitor_transactions_lost_total",
				Help: "Total number of tracked transactions dropped from the chain",
			},
		),
		MonitorCursorHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zecpay_monitor_cursor_height",
				Help: "Last block height fully scanned by the monitor",
			},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_rpc_calls_total",
				Help: "Total number of RPC calls to the Zcash node",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zecpay_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to the Zcash node",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_webhook_failed_total",
				Help: "Total number of webhooks that exhausted all attempts",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zecpay_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zecpay_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zecpay_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zecpay_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		ArchivalRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_archival_runs_total",
				Help: "Total number of archival runs",
			},
		),
		ArchivalRecordsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zecpay_archival_records_deleted_total",
				Help: "Total number of records deleted by archival",
			},
		),
	}
}

// ObserveTransition records a state transition.
func (m *Metrics) ObserveTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveVerification records an authorization verification outcome.
func (m *Metrics) ObserveVerification(scheme, result string) {
	m.VerificationsTotal.WithLabelValues(scheme, result).Inc()
}

// ObserveSettlement records time from intent creation to settlement.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveRPCCall records an RPC call to the node.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errorType := "other"
		switch {
		case containsSub(err.Error(), "timeout"):
			errorType = "timeout"
		case containsSub(err.Error(), "connection"):
			errorType = "connection"
		case containsSub(err.Error(), "not found"):
			errorType = "not_found"
		case containsSub(err.Error(), "circuit breaker"):
			errorType = "circuit_open"
		}
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveWebhook records a webhook delivery attempt outcome.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, terminal bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if terminal {
		m.WebhookFailedTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveArchival records an archival run.
func (m *Metrics) ObserveArchival(recordsDeleted int64) {
	m.ArchivalRunsTotal.Inc()
	m.ArchivalRecordsDeleted.Add(float64(recordsDeleted))
}

// Helper functions
func containsSub(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
