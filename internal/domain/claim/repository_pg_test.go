package claim

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres/pgtest"
)

func openVisit(t *testing.T, visitID string) *Claim {
	t.Helper()
	c, err := Open(visitID, "patient-1", "plan-1")
	require.NoError(t, err)
	return c
}

func TestPGRepository(t *testing.T) {
	pool := pgtest.Start(t, 15442)
	ctx := context.Background()
	repo := NewPGRepository(pool, nil)

	t.Run("create get and find by visit", func(t *testing.T) {
		c := openClaim(t)
		_, err := c.AddLineItem(labCharge("ch-1", "100"), covered("100", "90"))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, c))
		assert.Empty(t, c.Changes())

		got, err := repo.Get(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, c.Version(), got.Version())
		assertMoney(t, "100", got.Totals().TotalClaimAmount)
		assertMoney(t, "90", got.Totals().InsuranceCoveredAmount)
		require.Len(t, got.LineItems(), 1)
		requireBalanced(t, got)

		byVisit, err := repo.FindByVisit(ctx, c.VisitID())
		require.NoError(t, err)
		assert.Equal(t, c.ID(), byVisit.ID())

		dup, err := Open(c.VisitID(), "", "plan-1")
		require.NoError(t, err)
		assert.ErrorIs(t, repo.Create(ctx, dup), errs.ErrConflict)

		_, err = repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("update persists items events and outbox", func(t *testing.T) {
		pgtest.Truncate(t, pool, "claims", "claim_events", "outbox")
		c, items := threeItemClaim(t)
		require.NoError(t, repo.Create(ctx, c))

		updated, err := repo.Update(ctx, c.ID(), func(c *Claim) error {
			if _, err := c.RemoveLineItem(items[2].ChargeID); err != nil {
				return err
			}
			return c.Vet(VetDecision{Decision: DecisionApprove, Actor: "vetter", Items: []ItemDecision{
				{LineItemID: items[0].ID, Approved: true},
				{LineItemID: items[1].ID, Approved: true},
			}})
		})
		require.NoError(t, err)
		assert.Equal(t, StatusVetted, updated.Status())

		got, err := repo.Get(ctx, c.ID())
		require.NoError(t, err)
		assert.Len(t, got.LineItems(), 2)
		assertMoney(t, updated.Totals().TotalClaimAmount.String(), got.Totals().TotalClaimAmount)
		assertMoney(t, updated.Totals().ApprovedAmount.String(), got.Totals().ApprovedAmount)
		assertMoney(t, "510", got.Totals().ApprovedAmount)
		require.NoError(t, got.Reconcile())

		history, err := repo.History(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, got.Version(), history[len(history)-1].Version)

		var published int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, c.ID()).Scan(&published))
		assert.Equal(t, 1, published, "only ClaimVetted leaves through the outbox")
	})

	t.Run("failed mutation writes nothing", func(t *testing.T) {
		c := openVisit(t, "visit-failed")
		require.NoError(t, repo.Create(ctx, c))
		_, err := repo.Update(ctx, c.ID(), func(c *Claim) error { return c.Submit("clerk") })
		assert.ErrorIs(t, err, errs.ErrInvalidTransition)

		got, err := repo.Get(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, c.Version(), got.Version())
	})

	t.Run("concurrent updates serialize on the row", func(t *testing.T) {
		c := openVisit(t, "visit-concurrent")
		require.NoError(t, repo.Create(ctx, c))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, c.ID(), func(c *Claim) error {
					_, err := c.AddLineItem(labCharge("conc-"+string(rune('a'+i)), "10"), covered("10", "9"))
					return err
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := repo.Get(ctx, c.ID())
		require.NoError(t, err)
		assertMoney(t, "100", got.Totals().TotalClaimAmount)
		assertMoney(t, "90", got.Totals().InsuranceCoveredAmount)
		require.NoError(t, got.Reconcile())
	})

	t.Run("list ids by status and review flag", func(t *testing.T) {
		pgtest.Truncate(t, pool, "claims")
		draft := openVisit(t, "visit-draft")
		require.NoError(t, repo.Create(ctx, draft))
		flagged := openVisit(t, "visit-flagged")
		require.NoError(t, flagged.Flag("drift", nil))
		require.NoError(t, repo.Create(ctx, flagged))

		all, err := repo.ListIDs(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		yes := true
		held, err := repo.ListIDs(ctx, ListFilter{NeedsReview: &yes})
		require.NoError(t, err)
		assert.Equal(t, []string{flagged.ID()}, held)

		vetted, err := repo.ListIDs(ctx, ListFilter{Statuses: []Status{StatusVetted}})
		require.NoError(t, err)
		assert.Empty(t, vetted)
	})
}
