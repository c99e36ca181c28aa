package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

type stubPricer struct {
	res coverage.Result
	err error
}

func (s stubPricer) Compute(context.Context, coverage.Request) (coverage.Result, error) {
	return s.res, s.err
}

func TestMetrics_Recorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LedgerOperation("vet", "ok", 10*time.Millisecond)
	m.LedgerOperation("vet", "ok", 20*time.Millisecond)
	m.LedgerOperation("submit", errs.Code(errs.ErrInvalidTransition), time.Millisecond)
	m.ClaimTransition("vetted")
	m.LedgerDrift()
	m.SetOutboxPending(4)
	m.KafkaConsumed("billing.charges", nil)
	m.BatchOperation("finalize", "ok")
	m.BatchTotals(string(batch.StatusFinalized), batch.Totals{TotalClaims: 3, TotalAmount: decimal.NewFromInt(600)})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("vet", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("submit", "invalid_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimTransitions.WithLabelValues("vetted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerDrifts))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaMessagesConsumed.WithLabelValues("billing.charges", "ok")))
	assert.Equal(t, 600.0, testutil.ToFloat64(m.BatchAmount.WithLabelValues("total")))
}

func TestMetrics_PricerCountsOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx := context.Background()

	_, _ = m.Pricer(stubPricer{}).Compute(ctx, coverage.Request{})
	_, _ = m.Pricer(stubPricer{res: coverage.Result{Miss: coverage.MissNoRule}}).Compute(ctx, coverage.Request{})
	_, err := m.Pricer(stubPricer{err: errors.New("db down")}).Compute(ctx, coverage.Request{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoverageComputations.WithLabelValues("covered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoverageComputations.WithLabelValues("no_rule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoverageComputations.WithLabelValues("error")))
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.LedgerDrift()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "claim_ledger_drift_detected_total 1"))
}
