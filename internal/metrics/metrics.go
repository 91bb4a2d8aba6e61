package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the token ledger.
type Metrics struct {
	// Ledger metrics
	TransactionsTotal *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	ReplaysTotal      *prometheus.CounterVec
	RejectionsTotal   *prometheus.CounterVec
	AppendDuration    *prometheus.HistogramVec

	// Webhook ingress metrics
	WebhookEventsTotal *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec

	// Auto-refill metrics
	AutoRefillTotal *prometheus.CounterVec

	// Outbound notification metrics
	NotifyDeliveriesTotal *prometheus.CounterVec
	NotifyRetriesTotal    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitHitsTotal  *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec

	// Retention metrics
	RetentionRunsTotal    prometheus.Counter
	RetentionDeletedTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_ledger_transactions_total",
				Help: "Ledger append attempts by kind and outcome (committed, replayed, rejected, failed)",
			},
			[]string{"kind", "outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_ledger_tokens_total",
				Help: "Absolute token volume committed by transaction kind",
			},
			[]string{"kind"},
		),
		ReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_ledger_replays_total",
				Help: "Idempotent replays served from the registry",
			},
			[]string{"scope"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_ledger_rejections_total",
				Help: "Domain rejections by reason",
			},
			[]string{"reason"},
		),
		AppendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenvault_ledger_append_duration_seconds",
				Help:    "Time spent inside the atomic append unit, including lock wait",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"kind"},
		),

		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_webhook_events_total",
				Help: "Payment processor events by source and handling status",
			},
			[]string{"source", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenvault_webhook_duration_seconds",
				Help:    "Time to reconcile a payment processor event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		AutoRefillTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_autorefill_total",
				Help: "Auto-refill checks by outcome",
			},
			[]string{"outcome"},
		),

		NotifyDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_notify_deliveries_total",
				Help: "Ledger event deliveries to the realtime layer by status",
			},
			[]string{"event_type", "status"},
		),
		NotifyRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_notify_retries_total",
				Help: "Ledger event delivery retries by attempt number",
			},
			[]string{"event_type", "attempt"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_http_requests_total",
				Help: "HTTP requests by route and status class",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenvault_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_rate_limit_hits_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenvault_db_query_duration_seconds",
				Help:    "Database query latency by operation and backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),

		RetentionRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenvault_retention_runs_total",
				Help: "Completed retention cleanup runs",
			},
		),
		RetentionDeletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenvault_retention_deleted_total",
				Help: "Records pruned by the retention job",
			},
			[]string{"table"},
		),
	}
}

// ObserveAppend records the outcome of one ledger append. amount is the signed token delta.
func (m *Metrics) ObserveAppend(kind, outcome string, amount int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(kind, outcome).Inc()
	m.AppendDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if outcome == "committed" {
		if amount < 0 {
			amount = -amount
		}
		m.TokensTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

// ObserveReplay records an idempotent replay.
func (m *Metrics) ObserveReplay(scope string) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(scope).Inc()
}

// ObserveRejection records a domain rejection such as insufficient_funds.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveWebhookEvent records the handling of an inbound processor event.
func (m *Metrics) ObserveWebhookEvent(source, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(source, status).Inc()
	m.WebhookDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveAutoRefill records an auto-refill check outcome.
func (m *Metrics) ObserveAutoRefill(outcome string) {
	if m == nil {
		return
	}
	m.AutoRefillTotal.WithLabelValues(outcome).Inc()
}

// ObserveNotify records an outbound ledger event delivery.
func (m *Metrics) ObserveNotify(eventType, status string, attempt int) {
	if m == nil {
		return
	}
	m.NotifyDeliveriesTotal.WithLabelValues(eventType, status).Inc()
	if attempt > 1 {
		m.NotifyRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limiter).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveRetention records one retention run and the rows it removed per table.
func (m *Metrics) ObserveRetention(deleted map[string]int64) {
	if m == nil {
		return
	}
	m.RetentionRunsTotal.Inc()
	for table, n := range deleted {
		m.RetentionDeletedTotal.WithLabelValues(table).Add(float64(n))
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
