// Package integration runs the claims services end to end on in-memory stores.
package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/app"
	"github.com/justdick/hms-sub020/internal/config"
	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/internal/intake"
	"github.com/justdick/hms-sub020/pkg/idempotency"
)

var march = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func money(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got.String())
}

func newApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		Env:          "development",
		LogLevel:     "info",
		AuditWorkers: 2,
		ClaimLockTTL: time.Second,
	}
	a, err := app.Build(context.Background(), cfg, "integration", zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	catalog, ok := a.Catalog.(*coverage.StaticCatalog)
	require.True(t, ok, "in-memory apps use a static catalog")
	catalog.
		AddPlan(coverage.Plan{ID: "plan-1", Name: "Gold", IsActive: true}).
		AddRule(coverage.CoverageRule{
			ID: "rule-lab", PlanID: "plan-1", Category: coverage.Category(coverage.ItemLab),
			IsCovered: true, CoverageType: coverage.CoveragePercentage,
			CoverageValue: decimal.NewFromInt(90), IsActive: true,
		})
	return a
}

func chargeEvent(t *testing.T, eventID, chargeID, billed string) *redpanda.ConsumedMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":    eventID,
		"type":        claim.TypeChargeCreated,
		"occurred_at": march,
		"charge": map[string]any{
			"id": chargeID, "visit_id": "visit-1", "plan_id": "plan-1",
			"item":          map[string]string{"type": "lab", "code": "LFT"},
			"billed_amount": billed, "quantity": 1,
		},
	})
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicCharges, Key: []byte("visit-1"), Value: body}
}

func TestChargeToPaidClaim(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	require.NoError(t, a.Ready(ctx))

	c, err := a.Claims.Dispatch(ctx, claim.ChargeCreated{Charge: claim.Charge{
		ID: "ch-1", VisitID: "visit-1", PlanID: "plan-1",
		Item:         coverage.ItemRef{Type: coverage.ItemLab, Code: "FBC"},
		BilledAmount: decimal.NewFromInt(100), Quantity: 1, ChargedAt: march,
	}})
	require.NoError(t, err)
	assert.Equal(t, claim.StatusDraft, c.Status())

	// the second charge arrives over Kafka twice
	charges := intake.NewCharges(
		idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil),
		a.Claims, a.Metrics, nil)
	msg := chargeEvent(t, "evt-2", "ch-2", "50")
	require.NoError(t, charges.Handle(ctx, msg))
	require.NoError(t, charges.Handle(ctx, msg))

	c, err = a.Claims.Get(ctx, c.ID())
	require.NoError(t, err)
	require.Len(t, c.LineItems(), 2)
	money(t, "150", c.Totals().TotalClaimAmount)
	money(t, "135", c.Totals().InsuranceCoveredAmount)
	money(t, "15", c.Totals().PatientCopayAmount)

	_, err = a.Claims.RequestVetting(ctx, c.ID(), "desk")
	require.NoError(t, err)
	var items []claim.ItemDecision
	for _, li := range c.LineItems() {
		items = append(items, claim.ItemDecision{LineItemID: li.ID, Approved: true})
	}
	_, err = a.Claims.Vet(ctx, c.ID(), claim.VetDecision{Decision: claim.DecisionApprove, Items: items, Actor: "vetter"})
	require.NoError(t, err)

	c, err = a.Claims.Submit(ctx, c.ID(), "desk")
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, c.Status())

	// submission auto-batches the claim in process
	b, err := a.Batches.FindByClaim(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, batch.StatusDraft, b.Status())
	assert.Equal(t, 1, b.Totals().TotalClaims)
	money(t, "150", b.Totals().TotalAmount)
	money(t, "135", b.Totals().ApprovedAmount)

	_, err = a.Batches.Finalize(ctx, b.ID(), "desk")
	require.NoError(t, err)
	_, err = a.Batches.Submit(ctx, b.ID(), "desk")
	require.NoError(t, err)
	b, err = a.Batches.RecordResponse(ctx, b.ID(), batch.Response{
		ClaimID: c.ID(), Outcome: batch.OutcomePaid, Amount: decimal.NewFromInt(135), Date: march,
	}, "payer")
	require.NoError(t, err)
	money(t, "135", b.Totals().PaidAmount)

	c, err = a.Claims.Get(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, claim.StatusPaid, c.Status())

	audit, err := a.Claims.Audit(ctx, c.ID())
	require.NoError(t, err)
	assert.False(t, audit.Flagged)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.ClaimTransitions.WithLabelValues(string(claim.StatusSubmitted))))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.Metrics.KafkaMessagesConsumed.WithLabelValues(redpanda.TopicCharges, "ok")))
}
