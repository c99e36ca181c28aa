// Package metrics provides Prometheus metrics for the claims services.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	LedgerOperations      *prometheus.CounterVec
	LedgerDuration        *prometheus.HistogramVec
	LedgerDrifts          prometheus.Counter
	ClaimTransitions      *prometheus.CounterVec
	CoverageComputations  *prometheus.CounterVec
	BatchOperations       *prometheus.CounterVec
	BatchClaims           prometheus.Histogram
	BatchAmount           *prometheus.GaugeVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

var (
	_ claim.Recorder = (*Metrics)(nil)
	_ batch.Recorder = (*Metrics)(nil)
)

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_ledger_operations_total",
			Help: "Claim ledger operations by operation and outcome",
		}, []string{"op", "outcome"}),
		LedgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claim_ledger_operation_duration_seconds",
			Help:    "Claim ledger operation duration including lock wait",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		LedgerDrifts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_ledger_drift_detected_total",
			Help: "Claims whose stored totals disagreed with their line items",
		}),
		ClaimTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_transitions_total",
			Help: "Claim workflow transitions by resulting status",
		}, []string{"status"}),
		CoverageComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_computations_total",
			Help: "Coverage computations by outcome",
		}, []string{"outcome"}),
		BatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_batch_operations_total",
			Help: "Claim batch operations by operation and outcome",
		}, []string{"op", "outcome"}),
		BatchClaims: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_batch_size_claims",
			Help:    "Claims per finalized batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		BatchAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claim_batch_last_amount",
			Help: "Amounts of the most recently updated batch by kind",
		}, []string{"kind"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages consumed by topic and outcome",
		}, []string{"topic", "outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.LedgerOperations,
		m.LedgerDuration,
		m.LedgerDrifts,
		m.ClaimTransitions,
		m.CoverageComputations,
		m.BatchOperations,
		m.BatchClaims,
		m.BatchAmount,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func (m *Metrics) LedgerOperation(op, outcome string, d time.Duration) {
	m.LedgerOperations.WithLabelValues(op, outcome).Inc()
	m.LedgerDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ClaimTransition(status string) { m.ClaimTransitions.WithLabelValues(status).Inc() }

func (m *Metrics) LedgerDrift() { m.LedgerDrifts.Inc() }

func (m *Metrics) BatchOperation(op, outcome string) {
	m.BatchOperations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) BatchTotals(status string, t batch.Totals) {
	if status == string(batch.StatusFinalized) {
		m.BatchClaims.Observe(float64(t.TotalClaims))
	}
	m.BatchAmount.WithLabelValues("total").Set(t.TotalAmount.InexactFloat64())
	m.BatchAmount.WithLabelValues("approved").Set(t.ApprovedAmount.InexactFloat64())
	m.BatchAmount.WithLabelValues("paid").Set(t.PaidAmount.InexactFloat64())
}

func (m *Metrics) KafkaConsumed(topic string, err error) {
	m.KafkaMessagesConsumed.WithLabelValues(topic, errs.Code(err)).Inc()
}

// SetOutboxPending satisfies postgres.PendingGauge.
func (m *Metrics) SetOutboxPending(n int) { m.OutboxPending.Set(float64(n)) }

// ObserveBreakers copies the registry's breaker states into the gauge.
func (m *Metrics) ObserveBreakers(r *circuitbreaker.Registry) {
	for _, h := range r.Health() {
		var v float64
		switch h.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(h.Name).Set(v)
	}
}

// Pricer counts coverage outcomes of the wrapped pricer.
func (m *Metrics) Pricer(next claim.Pricer) claim.Pricer {
	return pricer{next: next, m: m}
}

type pricer struct {
	next claim.Pricer
	m    *Metrics
}

func (p pricer) Compute(ctx context.Context, req coverage.Request) (coverage.Result, error) {
	res, err := p.next.Compute(ctx, req)
	switch {
	case err != nil:
		p.m.CoverageComputations.WithLabelValues(errs.Code(err)).Inc()
	case res.Miss != coverage.MissNone:
		p.m.CoverageComputations.WithLabelValues(string(res.Miss)).Inc()
	default:
		p.m.CoverageComputations.WithLabelValues("covered").Inc()
	}
	return res, err
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
