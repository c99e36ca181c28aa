package redis

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
	"github.com/justdick/hms-sub020/pkg/circuitbreaker"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
	gets int
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.down {
		return nil, false, errors.New("dial tcp: connection refused")
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("dial tcp: connection refused")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// countingCatalog counts origin lookups.
type countingCatalog struct {
	*coverage.StaticCatalog
	mu    sync.Mutex
	rules int
}

func (c *countingCatalog) Rules(ctx context.Context, planID string, category coverage.Category) ([]coverage.CoverageRule, error) {
	c.mu.Lock()
	c.rules++
	c.mu.Unlock()
	return c.StaticCatalog.Rules(ctx, planID, category)
}

func newCached(t *testing.T, store Store) (*CachedCatalog, *countingCatalog) {
	t.Helper()
	origin := &countingCatalog{StaticCatalog: coverage.NewStaticCatalog().
		AddPlan(coverage.Plan{ID: "plan-1", Name: "Gold", IsActive: true}).
		AddRule(coverage.CoverageRule{
			ID: "rule-lab", PlanID: "plan-1", Category: coverage.Category(coverage.ItemLab),
			IsCovered: true, CoverageType: coverage.CoveragePercentage,
			CoverageValue: decimal.NewFromInt(90), IsActive: true,
		})}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("catalog-cache"), nil)
	require.NoError(t, err)
	return NewCachedCatalog(origin, store, breaker, time.Minute, nil), origin
}

func TestCachedCatalog_ServesRepeatLookupsFromCache(t *testing.T) {
	cat, origin := newCached(t, newMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rules, err := cat.Rules(ctx, "plan-1", coverage.Category(coverage.ItemLab))
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.True(t, decimal.NewFromInt(90).Equal(rules[0].CoverageValue))
	}
	assert.Equal(t, 1, origin.rules)
}

func TestCachedCatalog_FallsBackWhenRedisIsDown(t *testing.T) {
	store := newMemStore()
	store.down = true
	cat, origin := newCached(t, store)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		rules, err := cat.Rules(ctx, "plan-1", coverage.Category(coverage.ItemLab))
		require.NoError(t, err)
		require.Len(t, rules, 1)
	}
	assert.Equal(t, 6, origin.rules)
	assert.Less(t, store.gets, 6, "open breaker stops calling redis")
}

func TestCachedCatalog_MissingPlanIsNotCached(t *testing.T) {
	store := newMemStore()
	cat, _ := newCached(t, store)
	ctx := context.Background()

	_, err := cat.Plan(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, store.data)

	p, err := cat.Plan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "Gold", p.Name)
	require.NoError(t, cat.InvalidatePlan(ctx, "plan-1"))
	assert.Empty(t, store.data)
}

func TestCachedCatalog_DrivesCalculator(t *testing.T) {
	cat, _ := newCached(t, newMemStore())
	calc := coverage.NewCalculator(cat)
	req := coverage.Request{
		PlanID: "plan-1", Item: coverage.ItemRef{Type: coverage.ItemLab, Code: "FBC"},
		BilledAmount: decimal.NewFromInt(100), Quantity: 1, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	first, err := calc.Compute(context.Background(), req)
	require.NoError(t, err)
	second, err := calc.Compute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.InsurancePays.Equal(second.InsurancePays))
	assert.True(t, decimal.NewFromInt(90).Equal(second.InsurancePays))
}
