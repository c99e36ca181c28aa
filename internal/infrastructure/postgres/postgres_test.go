package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres/pgtest"
)

func TestLoadMigrations_Ordered(t *testing.T) {
	migrations, err := postgres.LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Equal(t, 1, migrations[0].Version)
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+"/"+key)
	return nil
}

func TestPostgres(t *testing.T) {
	pool := pgtest.Start(t, 15441)
	ctx := context.Background()

	t.Run("migrate is idempotent", func(t *testing.T) {
		n, err := postgres.Migrate(ctx, pool, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("catalog", func(t *testing.T) {
		_, err := pool.Exec(ctx, `INSERT INTO insurance_plans (id, name, category_defaults) VALUES ('plan-1', 'Gold', '{"drug": "80"}')`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `INSERT INTO coverage_rules (id, plan_id, category, item_code, is_covered, coverage_type, coverage_value, max_quantity_per_visit, tariff_amount)
			VALUES ('r1', 'plan-1', 'lab', '', TRUE, 'percentage', 90, NULL, NULL),
			       ('r2', 'plan-1', 'lab', 'FBC', TRUE, 'fixed', 25, 2, 30)`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `INSERT INTO insurance_tariffs (id, plan_id, item_type, item_code, standard_price, insurance_tariff, effective_from)
			VALUES ('t1', 'plan-1', 'lab', 'FBC', 40, 35, '2026-01-01')`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `INSERT INTO reference_mappings (category, item_code, scheme_code) VALUES ('drug', 'PCM', 'NHIS-001')`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `INSERT INTO reference_tariffs (code, name, price, effective_from) VALUES ('NHIS-001', 'Paracetamol', 1.5, '2026-01-01')`)
		require.NoError(t, err)

		cat := postgres.NewCatalog(pool)

		p, err := cat.Plan(ctx, "plan-1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(80).Equal(p.CategoryDefaults[coverage.Category(coverage.ItemDrug)]))

		_, err = cat.Plan(ctx, "missing")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		rules, err := cat.Rules(ctx, "plan-1", coverage.Category(coverage.ItemLab))
		require.NoError(t, err)
		require.Len(t, rules, 2)
		for _, r := range rules {
			if r.ItemCode == "FBC" {
				require.NotNil(t, r.MaxQuantityPerVisit)
				assert.Equal(t, 2, *r.MaxQuantityPerVisit)
				require.NotNil(t, r.TariffAmount)
				assert.True(t, decimal.NewFromInt(30).Equal(*r.TariffAmount))
			} else {
				assert.Nil(t, r.TariffAmount)
			}
		}

		tariffs, err := cat.Tariffs(ctx, "plan-1", coverage.ItemLab, "FBC")
		require.NoError(t, err)
		require.Len(t, tariffs, 1)
		assert.True(t, decimal.NewFromInt(35).Equal(tariffs[0].Price()))

		ref, err := cat.ReferenceTariffs(ctx, coverage.ItemRef{Type: "medication", Code: "PCM"})
		require.NoError(t, err)
		require.Len(t, ref, 1)
		assert.Equal(t, "NHIS-001", ref[0].Code)

		none, err := cat.ReferenceTariffs(ctx, coverage.ItemRef{Type: coverage.ItemDrug, Code: "UNMAPPED"})
		require.NoError(t, err)
		assert.Empty(t, none)

		calc := coverage.NewCalculator(cat)
		res, err := calc.Compute(ctx, coverage.Request{
			PlanID: "plan-1", Item: coverage.ItemRef{Type: coverage.ItemLab, Code: "FBC"},
			BilledAmount: decimal.NewFromInt(40), Quantity: 1, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.Equal(t, "r2", res.RuleID)

		_, err = pool.Exec(ctx, `INSERT INTO insurance_plans (id, name, uses_reference_tariff) VALUES ('plan-nhis', 'National', TRUE)`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `INSERT INTO coverage_rules (id, plan_id, category, item_code, is_covered, coverage_type, patient_copay_amount, is_unmapped)
			VALUES ('r3', 'plan-nhis', 'drug', 'VITC', TRUE, 'full', 5, TRUE)`)
		require.NoError(t, err)

		nhis, err := cat.Plan(ctx, "plan-nhis")
		require.NoError(t, err)
		assert.True(t, nhis.UsesReferenceTariff)
		assert.False(t, p.UsesReferenceTariff)

		rules, err = cat.Rules(ctx, "plan-nhis", coverage.Category(coverage.ItemDrug))
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.True(t, rules[0].Unmapped)

		res, err = calc.Compute(ctx, coverage.Request{
			PlanID: "plan-nhis", Item: coverage.ItemRef{Type: coverage.ItemDrug, Code: "PCM"},
			BilledAmount: decimal.NewFromInt(4), Quantity: 2, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.Equal(t, coverage.PriceReferenceTariff, res.PriceSource)
		assert.True(t, decimal.NewFromInt(3).Equal(res.InsurancePays), res.InsurancePays.String())
	})

	t.Run("outbox relays in order and retries", func(t *testing.T) {
		pgtest.Truncate(t, pool, "outbox")
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		for _, key := range []string{"a", "b"} {
			require.NoError(t, postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
				AggregateID: key, AggregateType: "Claim", EventType: "ClaimSubmitted",
				Payload: []byte(`{}`), KafkaTopic: "claims.events", KafkaKey: key,
			}))
		}
		require.NoError(t, tx.Commit(ctx))

		pub := &fakePublisher{failures: 1}
		relay := postgres.NewOutbox(pool, pub, postgres.DefaultOutboxConfig(), nil)

		n, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "first failure stops the pass")

		n, err = relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"claims.events/a", "claims.events/b"}, pub.sent)

		stats, err := relay.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
	})
}
