package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/pkg/idempotency"
)

type observed map[string]int

func (o observed) KafkaConsumed(topic string, err error) {
	if err != nil {
		topic += ":error"
	}
	o[topic]++
}

type countingDispatcher struct {
	next  Dispatcher
	calls int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, cmd claim.Command) (*claim.Claim, error) {
	d.calls++
	return d.next.Dispatch(ctx, cmd)
}

func newCharges(t *testing.T) (*Charges, *claim.MemoryRepository, *countingDispatcher, observed) {
	t.Helper()
	catalog := coverage.NewStaticCatalog().
		AddPlan(coverage.Plan{ID: "plan-1", Name: "Gold", IsActive: true}).
		AddRule(coverage.CoverageRule{
			ID: "rule-lab", PlanID: "plan-1", Category: coverage.Category(coverage.ItemLab),
			IsCovered: true, CoverageType: coverage.CoveragePercentage,
			CoverageValue: decimal.NewFromInt(90), IsActive: true,
		})
	repo := claim.NewMemoryRepository(nil)
	disp := &countingDispatcher{next: claim.NewService(repo, coverage.NewCalculator(catalog), nil)}
	obs := observed{}
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil)
	return NewCharges(inbox, disp, obs, nil), repo, disp, obs
}

func chargeMsg(t *testing.T, eventID, typ, billed string) *redpanda.ConsumedMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":    eventID,
		"type":        typ,
		"occurred_at": "2026-03-02T09:00:00Z",
		"charge": map[string]any{
			"id": "ch-1", "visit_id": "visit-1", "plan_id": "plan-1",
			"item":          map[string]string{"type": "lab", "code": "FBC"},
			"billed_amount": billed, "quantity": 1,
		},
	})
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicCharges, Key: []byte("visit-1"), Value: body}
}

func TestCharges_RedeliveryIsAppliedOnce(t *testing.T) {
	h, repo, disp, obs := newCharges(t)
	ctx := context.Background()

	msg := chargeMsg(t, "evt-1", claim.TypeChargeCreated, "100")
	require.NoError(t, h.Handle(ctx, msg))
	require.NoError(t, h.Handle(ctx, msg))
	assert.Equal(t, 1, disp.calls)

	c, err := repo.FindByVisit(ctx, "visit-1")
	require.NoError(t, err)
	require.Len(t, c.LineItems(), 1)
	assert.True(t, decimal.NewFromInt(90).Equal(c.Totals().InsuranceCoveredAmount))
	assert.Equal(t, 2, obs[redpanda.TopicCharges])

	require.NoError(t, h.Handle(ctx, chargeMsg(t, "evt-2", claim.TypeChargeAmended, "200")))
	c, err = repo.FindByVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(c.Totals().TotalClaimAmount))
}

func TestCharges_BadEventsArePermanent(t *testing.T) {
	h, _, disp, obs := newCharges(t)
	ctx := context.Background()

	err := h.Handle(ctx, &redpanda.ConsumedMessage{Topic: redpanda.TopicCharges, Value: []byte("{not json")})
	require.Error(t, err)
	assert.Equal(t, 0, disp.calls)

	err = h.Handle(ctx, chargeMsg(t, "evt-3", "charge.refunded", "10"))
	require.Error(t, err)
	assert.Equal(t, 2, obs[redpanda.TopicCharges+":error"])

	// quantity 0 fails validation before the inbox
	msg := chargeMsg(t, "evt-4", claim.TypeChargeCreated, "10")
	msg.Value = []byte(`{"event_id":"evt-4","type":"charge.created","charge":{"id":"ch-9","visit_id":"v","plan_id":"plan-1","item":{"type":"lab","code":"FBC"},"billed_amount":"10","quantity":0}}`)
	err = h.Handle(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, 0, disp.calls)
}

func TestClaimEvents_DecodesIntoSink(t *testing.T) {
	var got []*claim.Event
	obs := observed{}
	h := NewClaimEvents(func(_ context.Context, events []*claim.Event) error {
		got = append(got, events...)
		return nil
	}, obs, nil)

	body, err := json.Marshal(claim.Event{ID: "e1", AggregateID: "c1", EventType: claim.EventClaimSubmitted, Version: 4})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), &redpanda.ConsumedMessage{Topic: redpanda.TopicClaimEvents, Value: body}))
	require.Len(t, got, 1)
	assert.Equal(t, claim.EventClaimSubmitted, got[0].EventType)
	assert.Equal(t, "c1", got[0].AggregateID)

	failing := NewClaimEvents(func(context.Context, []*claim.Event) error { return errors.New("db down") }, obs, nil)
	assert.Error(t, failing.Handle(context.Background(), &redpanda.ConsumedMessage{Topic: redpanda.TopicClaimEvents, Value: body}))
	assert.Error(t, failing.Handle(context.Background(), &redpanda.ConsumedMessage{Topic: redpanda.TopicClaimEvents, Value: []byte("[")}))
	assert.Equal(t, 1, obs[redpanda.TopicClaimEvents])
	assert.Equal(t, 2, obs[redpanda.TopicClaimEvents+":error"])
}
