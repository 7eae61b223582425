package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gateway.
// Components receive it through their constructors; a nil *Metrics records nothing.
type Metrics struct {
	dispatchOutcomesTotal *prometheus.CounterVec
	dispatchRetriesTotal  *prometheus.CounterVec
	providerCallsTotal    *prometheus.CounterVec
	providerCallDuration  *prometheus.HistogramVec
	idempotencyReplays    *prometheus.CounterVec
	idempotencyConflicts  prometheus.Counter
	ledgerWriteConflicts  *prometheus.CounterVec
	reconcileResolutions  *prometheus.CounterVec
	reconcilePassDuration prometheus.Histogram
	anomaliesTotal        *prometheus.CounterVec
	outboxMessagesTotal   *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		dispatchOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_outcomes_total",
				Help: "Outcomes returned by the dispatch engine by kind, provider and status",
			},
			[]string{"kind", "provider", "status"},
		),
		dispatchRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_retries_total",
				Help: "Retryable provider failures scheduled for another attempt",
			},
			[]string{"provider"},
		),
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_calls_total",
				Help: "Provider adapter calls by operation and normalized status",
			},
			[]string{"provider", "operation", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_call_duration_seconds",
				Help:    "Duration of provider adapter calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"provider", "operation"},
		),
		idempotencyReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_idempotency_replays_total",
				Help: "Requests answered from an existing idempotency record, by record state",
			},
			[]string{"state"},
		),
		idempotencyConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_idempotency_conflicts_total",
				Help: "Idempotency keys reused with a different request fingerprint",
			},
		),
		ledgerWriteConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_write_conflicts_total",
				Help: "Optimistic concurrency collisions on the ledger",
			},
			[]string{"actor"},
		),
		reconcileResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reconcile_resolutions_total",
				Help: "Reconciliation results by outcome",
			},
			[]string{"result"},
		),
		reconcilePassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_reconcile_pass_duration_seconds",
				Help:    "Duration of reconciliation sweeper passes",
				Buckets: prometheus.DefBuckets,
			},
		),
		anomaliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_anomalies_total",
				Help: "Anomalies flagged for manual handling",
			},
			[]string{"kind"},
		),
		outboxMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_outbox_messages_total",
				Help: "Outbox relay results",
			},
			[]string{"status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"handler", "method"},
		),
	}
}

func (m *Metrics) RecordDispatchOutcome(kind, provider, status string) {
	if m == nil {
		return
	}
	m.dispatchOutcomesTotal.WithLabelValues(kind, provider, status).Inc()
}

func (m *Metrics) RecordDispatchRetry(provider string) {
	if m == nil {
		return
	}
	m.dispatchRetriesTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordProviderCall(provider, operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(provider, operation, status).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(duration)
}

func (m *Metrics) RecordIdempotencyReplay(state string) {
	if m == nil {
		return
	}
	m.idempotencyReplays.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordIdempotencyConflict() {
	if m == nil {
		return
	}
	m.idempotencyConflicts.Inc()
}

func (m *Metrics) RecordLedgerConflict(actor string) {
	if m == nil {
		return
	}
	m.ledgerWriteConflicts.WithLabelValues(actor).Inc()
}

func (m *Metrics) RecordReconcileResolution(result string) {
	if m == nil {
		return
	}
	m.reconcileResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordReconcilePass(duration float64) {
	if m == nil {
		return
	}
	m.reconcilePassDuration.Observe(duration)
}

func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomaliesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordOutboxMessage(status string) {
	if m == nil {
		return
	}
	m.outboxMessagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method).Observe(duration)
}
