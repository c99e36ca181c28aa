package coverage

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

var serviceDate = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func intp(i int) *int { return &i }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, d(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func baseCatalog() *StaticCatalog {
	return NewStaticCatalog().
		AddPlan(Plan{ID: "plan-1", Name: "Gold", IsActive: true}).
		AddTariff(TariffEntry{
			PlanID: "plan-1", ItemType: ItemLab, ItemCode: "FBC",
			StandardPrice: d("120"), InsuranceTariff: d("100"),
			EffectiveFrom: serviceDate.AddDate(-1, 0, 0),
		})
}

func percentRule(value string) CoverageRule {
	return CoverageRule{
		ID: "rule-lab", PlanID: "plan-1", Category: Category(ItemLab),
		IsCovered: true, CoverageType: CoveragePercentage, CoverageValue: d(value), IsActive: true,
	}
}

func labRequest(billed string, qty int) Request {
	return Request{
		PlanID:       "plan-1",
		Item:         ItemRef{Type: ItemLab, Code: "FBC"},
		BilledAmount: d(billed),
		Quantity:     qty,
		At:           serviceDate,
	}
}

func TestCompute_PercentageRuleUsesPlanTariff(t *testing.T) {
	calc := NewCalculator(baseCatalog().AddRule(percentRule("90")))

	res, err := calc.Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)

	assertMoney(t, "100", res.Subtotal)
	assertMoney(t, "90", res.InsurancePays)
	assertMoney(t, "10", res.PatientPays)
	assertMoney(t, "90", res.CoveragePercentage)
	assert.True(t, res.IsCovered)
	assert.Equal(t, PricePlanTariff, res.PriceSource)
	assert.Equal(t, ScopeCategory, res.RuleScope)
	assert.Equal(t, MissNone, res.Miss)
}

func TestCompute_MaxAmountPerVisitClampsInsurerShare(t *testing.T) {
	rule := percentRule("90")
	rule.MaxAmountPerVisit = dp("50")
	calc := NewCalculator(baseCatalog().AddRule(rule))

	res, err := calc.Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)

	assertMoney(t, "50", res.CoveredSubtotal)
	assertMoney(t, "45", res.InsurancePays)
	assertMoney(t, "55", res.PatientPays)
	assertMoney(t, "100", res.Subtotal)
	assertMoney(t, "45", res.CoveragePercentage)
	assert.True(t, res.ExceededLimit)
	assert.NotEmpty(t, res.LimitMessage)
}

func TestCompute_MaxQuantityPerVisitClampsPayableQuantity(t *testing.T) {
	rule := percentRule("80")
	rule.MaxQuantityPerVisit = intp(3)
	cat := NewStaticCatalog().
		AddPlan(Plan{ID: "plan-1", IsActive: true}).
		AddRule(rule).
		AddTariff(TariffEntry{PlanID: "plan-1", ItemType: ItemLab, ItemCode: "FBC", InsuranceTariff: d("10"), EffectiveFrom: serviceDate})

	res, err := NewCalculator(cat).Compute(context.Background(), labRequest("10", 5))
	require.NoError(t, err)

	assertMoney(t, "50", res.Subtotal)
	assertMoney(t, "30", res.CoveredSubtotal)
	assertMoney(t, "24", res.InsurancePays)
	assertMoney(t, "26", res.PatientPays)
	assert.True(t, res.ExceededLimit)
}

func TestCompute_CoverageTypes(t *testing.T) {
	tests := []struct {
		name     string
		rule     func(r *CoverageRule)
		insurer  string
		patient  string
		covered  bool
		wantMiss Miss
	}{
		{
			name:    "fixed below subtotal",
			rule:    func(r *CoverageRule) { r.CoverageType = CoverageFixed; r.CoverageValue = d("30") },
			insurer: "30", patient: "70", covered: true,
		},
		{
			name:    "fixed above subtotal is capped",
			rule:    func(r *CoverageRule) { r.CoverageType = CoverageFixed; r.CoverageValue = d("300") },
			insurer: "100", patient: "0", covered: true,
		},
		{
			name:    "full",
			rule:    func(r *CoverageRule) { r.CoverageType = CoverageFull },
			insurer: "100", patient: "0", covered: true,
		},
		{
			name:    "excluded",
			rule:    func(r *CoverageRule) { r.CoverageType = CoverageExcluded },
			insurer: "0", patient: "100", wantMiss: MissExcludedByRule,
		},
		{
			name:    "not covered flag",
			rule:    func(r *CoverageRule) { r.IsCovered = false },
			insurer: "0", patient: "100", wantMiss: MissExcludedByRule,
		},
		{
			name:    "copay percentage does not override coverage value",
			rule:    func(r *CoverageRule) { r.PatientCopayPercentage = d("20") },
			insurer: "90", patient: "10", covered: true,
		},
		{
			name:    "fixed copay per unit moves to patient",
			rule:    func(r *CoverageRule) { r.CoverageValue = d("100"); r.PatientCopayAmount = d("15") },
			insurer: "85", patient: "15", covered: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := percentRule("90")
			tt.rule(&rule)
			res, err := NewCalculator(baseCatalog().AddRule(rule)).Compute(context.Background(), labRequest("150", 1))
			require.NoError(t, err)

			assertMoney(t, tt.insurer, res.InsurancePays)
			assertMoney(t, tt.patient, res.PatientPays)
			assert.Equal(t, tt.covered, res.IsCovered)
			assert.Equal(t, tt.wantMiss, res.Miss)
		})
	}
}

func TestCompute_ItemRuleBeatsCategoryRule(t *testing.T) {
	specific := percentRule("80")
	specific.ID = "rule-fbc"
	specific.ItemCode = "FBC"
	specific.RequiresPreauthorization = true

	calc := NewCalculator(baseCatalog().AddRule(percentRule("50")).AddRule(specific))
	res, err := calc.Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)

	assertMoney(t, "80", res.InsurancePays)
	assert.Equal(t, ScopeItem, res.RuleScope)
	assert.Equal(t, "rule-fbc", res.RuleID)
	assert.True(t, res.RequiresPreauthorization)
}

func TestCompute_LatestEffectiveRuleWins(t *testing.T) {
	older := percentRule("50")
	older.EffectiveFrom = timep(serviceDate.AddDate(-2, 0, 0))
	newer := percentRule("70")
	newer.EffectiveFrom = timep(serviceDate.AddDate(0, -1, 0))

	res, err := NewCalculator(baseCatalog().AddRule(older).AddRule(newer)).Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)
	assertMoney(t, "70", res.InsurancePays)
}

func TestCompute_ExpiredRuleIsIgnored(t *testing.T) {
	rule := percentRule("90")
	rule.EffectiveTo = timep(serviceDate.AddDate(0, 0, -1))

	res, err := NewCalculator(baseCatalog().AddRule(rule)).Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)

	assert.False(t, res.IsCovered)
	assert.Equal(t, MissNoRule, res.Miss)
	assertMoney(t, "100", res.PatientPays)
}

func TestCompute_RuleWindowIsInclusiveByDay(t *testing.T) {
	rule := percentRule("90")
	rule.EffectiveTo = timep(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	res, err := NewCalculator(baseCatalog().AddRule(rule)).Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)
	assert.True(t, res.IsCovered)
}

func TestCompute_PlanCategoryDefault(t *testing.T) {
	cat := NewStaticCatalog().AddPlan(Plan{
		ID: "plan-1", IsActive: true,
		CategoryDefaults: map[Category]decimal.Decimal{Category(ItemDrug): d("70")},
	})

	res, err := NewCalculator(cat).Compute(context.Background(), Request{
		PlanID: "plan-1", Item: ItemRef{Type: "medication", Code: "PCM500"},
		BilledAmount: d("20"), Quantity: 2, At: serviceDate,
	})
	require.NoError(t, err)

	assert.Equal(t, ScopePlanDefault, res.RuleScope)
	assert.Equal(t, PriceBilled, res.PriceSource)
	assertMoney(t, "20", res.Subtotal)
	assertMoney(t, "10", res.InsuranceTariff)
	assertMoney(t, "14", res.InsurancePays)
	assertMoney(t, "6", res.PatientPays)
}

func TestCompute_PriceFallbacks(t *testing.T) {
	t.Run("rule tariff override", func(t *testing.T) {
		rule := percentRule("100")
		rule.TariffAmount = dp("60")
		res, err := NewCalculator(baseCatalog().AddRule(rule)).Compute(context.Background(), labRequest("150", 1))
		require.NoError(t, err)
		assert.Equal(t, PriceRuleTariff, res.PriceSource)
		assertMoney(t, "60", res.Subtotal)
	})

	t.Run("reference tariff through mapping", func(t *testing.T) {
		cat := NewStaticCatalog().
			AddPlan(Plan{ID: "plan-1", IsActive: true}).
			AddRule(percentRule("100")).
			MapItem(ItemLab, "MAL", "NHIS-LAB-07").
			AddReferenceTariff(ReferenceTariff{Code: "NHIS-LAB-07", Price: d("40"), EffectiveFrom: serviceDate.AddDate(-1, 0, 0)})

		res, err := NewCalculator(cat).Compute(context.Background(), Request{
			PlanID: "plan-1", Item: ItemRef{Type: ItemLab, Code: "MAL"},
			BilledAmount: d("55"), Quantity: 2, At: serviceDate,
		})
		require.NoError(t, err)
		assert.Equal(t, PriceReferenceTariff, res.PriceSource)
		assertMoney(t, "80", res.Subtotal)
		assertMoney(t, "80", res.InsurancePays)
	})

	t.Run("external id skips mapping", func(t *testing.T) {
		cat := NewStaticCatalog().
			AddPlan(Plan{ID: "plan-1", IsActive: true}).
			AddRule(percentRule("50")).
			AddReferenceTariff(ReferenceTariff{Code: "NHIS-LAB-09", Price: d("30"), EffectiveFrom: serviceDate})

		res, err := NewCalculator(cat).Compute(context.Background(), Request{
			PlanID: "plan-1", Item: ItemRef{Type: ItemLab, Code: "XYZ", ExternalID: "NHIS-LAB-09"},
			BilledAmount: d("55"), Quantity: 1, At: serviceDate,
		})
		require.NoError(t, err)
		assertMoney(t, "15", res.InsurancePays)
	})

	t.Run("billed amount", func(t *testing.T) {
		cat := NewStaticCatalog().AddPlan(Plan{ID: "plan-1", IsActive: true}).AddRule(percentRule("50"))
		res, err := NewCalculator(cat).Compute(context.Background(), Request{
			PlanID: "plan-1", Item: ItemRef{Type: ItemLab, Code: "NONE"},
			BilledAmount: d("33.33"), Quantity: 3, At: serviceDate,
		})
		require.NoError(t, err)
		assert.Equal(t, PriceBilled, res.PriceSource)
		assertMoney(t, "33.33", res.Subtotal)
		assertMoney(t, "11.11", res.InsuranceTariff)
		assert.True(t, res.InsurancePays.Add(res.PatientPays).Equal(res.Subtotal))
	})
}

func referencePlanCatalog() *StaticCatalog {
	return NewStaticCatalog().
		AddPlan(Plan{ID: "nhis", Name: "National", UsesReferenceTariff: true, IsActive: true}).
		AddTariff(TariffEntry{PlanID: "nhis", ItemType: ItemDrug, ItemCode: "AMX", InsuranceTariff: d("99"), EffectiveFrom: serviceDate.AddDate(-1, 0, 0)}).
		MapItem(ItemDrug, "AMX", "NHIS-DRG-12").
		AddReferenceTariff(ReferenceTariff{Code: "NHIS-DRG-12", Price: d("12.50"), EffectiveFrom: serviceDate.AddDate(-1, 0, 0)})
}

func drugRequest(code, billed string, qty int) Request {
	return Request{
		PlanID: "nhis", Item: ItemRef{Type: ItemDrug, Code: code},
		BilledAmount: d(billed), Quantity: qty, At: serviceDate,
	}
}

func TestCompute_ReferenceTariffPlan(t *testing.T) {
	ctx := context.Background()
	copayRule := CoverageRule{
		ID: "rule-drug", PlanID: "nhis", Category: Category(ItemDrug),
		IsCovered: true, CoverageType: CoveragePercentage, CoverageValue: d("50"),
		PatientCopayAmount: d("2"), TariffAmount: dp("80"), IsActive: true,
	}

	t.Run("mapped item pays the reference tariff plus copay", func(t *testing.T) {
		calc := NewCalculator(referencePlanCatalog().AddRule(copayRule))
		res, err := calc.Compute(ctx, drugRequest("AMX", "40", 2))
		require.NoError(t, err)

		assert.Equal(t, PriceReferenceTariff, res.PriceSource)
		assert.True(t, res.IsCovered)
		assert.Equal(t, "rule-drug", res.RuleID)
		assertMoney(t, "12.50", res.InsuranceTariff)
		assertMoney(t, "25", res.InsurancePays)
		assertMoney(t, "4", res.PatientPays)
		assertMoney(t, "29", res.Subtotal)
		assert.True(t, res.InsurancePays.Add(res.PatientPays).Equal(res.Subtotal))
	})

	t.Run("mapped item without a rule is fully reimbursed", func(t *testing.T) {
		res, err := NewCalculator(referencePlanCatalog()).Compute(ctx, drugRequest("AMX", "40", 1))
		require.NoError(t, err)
		assert.True(t, res.IsCovered)
		assertMoney(t, "12.50", res.InsurancePays)
		assertMoney(t, "0", res.PatientPays)
	})

	t.Run("mapped item respects the amount limit", func(t *testing.T) {
		rule := copayRule
		rule.MaxAmountPerVisit = dp("20")
		res, err := NewCalculator(referencePlanCatalog().AddRule(rule)).Compute(ctx, drugRequest("AMX", "40", 2))
		require.NoError(t, err)
		assert.True(t, res.ExceededLimit)
		assertMoney(t, "20", res.InsurancePays)
		assertMoney(t, "9", res.PatientPays)
	})

	t.Run("unmapped item with flexible copay", func(t *testing.T) {
		flex := CoverageRule{
			ID: "flex-vitc", PlanID: "nhis", Category: Category(ItemDrug), ItemCode: "VITC",
			IsCovered: true, CoverageType: CoverageFull, PatientCopayAmount: d("3"),
			Unmapped: true, IsActive: true,
		}
		res, err := NewCalculator(referencePlanCatalog().AddRule(flex)).Compute(ctx, drugRequest("VITC", "45", 3))
		require.NoError(t, err)

		assert.True(t, res.IsCovered)
		assert.Equal(t, "flex-vitc", res.RuleID)
		assert.Equal(t, MissNone, res.Miss)
		assertMoney(t, "0", res.InsurancePays)
		assertMoney(t, "9", res.PatientPays)
		assertMoney(t, "9", res.Subtotal)
	})

	t.Run("unmapped item with copay on the regular rule", func(t *testing.T) {
		res, err := NewCalculator(referencePlanCatalog().AddRule(copayRule)).Compute(ctx, drugRequest("VITC", "45", 3))
		require.NoError(t, err)
		assert.True(t, res.IsCovered)
		assert.Equal(t, "rule-drug", res.RuleID)
		assertMoney(t, "0", res.InsurancePays)
		assertMoney(t, "6", res.PatientPays)
	})

	t.Run("unmapped item without copay", func(t *testing.T) {
		res, err := NewCalculator(referencePlanCatalog()).Compute(ctx, drugRequest("VITC", "45", 3))
		require.NoError(t, err)

		assert.False(t, res.IsCovered)
		assert.Equal(t, MissNotMapped, res.Miss)
		assert.Equal(t, PriceBilled, res.PriceSource)
		assertMoney(t, "0", res.InsurancePays)
		assertMoney(t, "45", res.PatientPays)
	})

	t.Run("flexible rules are ignored for other plans", func(t *testing.T) {
		flex := percentRule("100")
		flex.ItemCode = "FBC"
		flex.Unmapped = true
		res, err := NewCalculator(baseCatalog().AddRule(flex).AddRule(percentRule("60"))).Compute(ctx, labRequest("150", 1))
		require.NoError(t, err)
		assertMoney(t, "60", res.InsurancePays)
	})
}

func TestCompute_MissingConfiguration(t *testing.T) {
	res, err := NewCalculator(NewStaticCatalog()).Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)
	assert.Equal(t, MissNoPlan, res.Miss)
	assertMoney(t, "150", res.PatientPays)
	assertMoney(t, "0", res.InsurancePays)

	res, err = NewCalculator(baseCatalog()).Compute(context.Background(), labRequest("150", 1))
	require.NoError(t, err)
	assert.Equal(t, MissNoRule, res.Miss)
	assertMoney(t, "100", res.PatientPays)
}

func TestCompute_Validation(t *testing.T) {
	calc := NewCalculator(baseCatalog())
	cases := map[string]Request{
		"zero quantity":   labRequest("10", 0),
		"negative billed": labRequest("-1", 1),
		"missing plan":    {Item: ItemRef{Type: ItemLab, Code: "FBC"}, BilledAmount: d("1"), Quantity: 1},
		"missing code":    {PlanID: "plan-1", Item: ItemRef{Type: ItemLab}, BilledAmount: d("1"), Quantity: 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := calc.Compute(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestCompute_SharesNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	types := []CoverageType{CoveragePercentage, CoverageFixed, CoverageFull}

	for i := 0; i < 300; i++ {
		rule := percentRule(decimal.NewFromInt(int64(rng.Intn(101))).String())
		rule.CoverageType = types[rng.Intn(len(types))]
		if rule.CoverageType == CoverageFixed {
			rule.CoverageValue = decimal.New(int64(rng.Intn(50000)), -2)
		}
		if rng.Intn(3) == 0 {
			rule.MaxAmountPerVisit = dp(decimal.New(int64(rng.Intn(20000)), -2).String())
		}
		if rng.Intn(3) == 0 {
			rule.MaxQuantityPerVisit = intp(rng.Intn(4) + 1)
		}
		if rng.Intn(4) == 0 {
			rule.PatientCopayAmount = decimal.New(int64(rng.Intn(3000)), -2)
		}
		tariff := decimal.New(int64(rng.Intn(100000)+1), -3)
		cat := NewStaticCatalog().
			AddPlan(Plan{ID: "plan-1", IsActive: true}).
			AddRule(rule).
			AddTariff(TariffEntry{PlanID: "plan-1", ItemType: ItemLab, ItemCode: "FBC", InsuranceTariff: tariff, EffectiveFrom: serviceDate})

		res, err := NewCalculator(cat).Compute(context.Background(), labRequest("10", rng.Intn(6)+1))
		require.NoError(t, err)

		assert.False(t, res.InsurancePays.IsNegative(), "case %d", i)
		assert.False(t, res.PatientPays.IsNegative(), "case %d", i)
		assert.True(t, res.InsurancePays.LessThanOrEqual(res.Subtotal), "case %d", i)
		assert.True(t, res.InsurancePays.Add(res.PatientPays).Equal(res.Subtotal), "case %d", i)
	}
}

func TestEstimateBatch(t *testing.T) {
	calc := NewCalculator(baseCatalog().AddRule(percentRule("90")))
	est, err := calc.EstimateBatch(context.Background(), []Request{
		labRequest("150", 1),
		labRequest("150", 2),
		{PlanID: "plan-1", Item: ItemRef{Type: ItemDrug, Code: "X"}, BilledAmount: d("5"), Quantity: 1, At: serviceDate},
	})
	require.NoError(t, err)

	require.Len(t, est.Items, 3)
	assertMoney(t, "305", est.TotalSubtotal)
	assertMoney(t, "270", est.InsurancePays)
	assertMoney(t, "35", est.PatientPays)
	assert.Equal(t, 1, est.Uncovered)
}

func timep(t time.Time) *time.Time { return &t }
