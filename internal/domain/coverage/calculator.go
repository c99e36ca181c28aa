package coverage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// RuleScope records which level of the rule hierarchy produced the result.
type RuleScope string

const (
	ScopeNone        RuleScope = ""
	ScopeItem        RuleScope = "item"
	ScopeCategory    RuleScope = "category"
	ScopePlanDefault RuleScope = "plan_default"
)

// PriceSource records where the insurance tariff came from.
type PriceSource string

const (
	PriceRuleTariff      PriceSource = "rule_tariff"
	PricePlanTariff      PriceSource = "plan_tariff"
	PriceReferenceTariff PriceSource = "reference_tariff"
	PriceBilled          PriceSource = "billed"
)

// Miss separates "uncovered by rule" from "uncovered by missing configuration".
type Miss string

const (
	MissNone           Miss = ""
	MissNoPlan         Miss = "no_plan"
	MissNoRule         Miss = "no_rule"
	MissExcludedByRule Miss = "excluded_by_rule"
	MissNotMapped      Miss = "not_mapped"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Request is one item to price. At defaults to the calculator clock.
type Request struct {
	PlanID       string          `json:"plan_id" validate:"required"`
	Item         ItemRef         `json:"item"`
	BilledAmount decimal.Decimal `json:"billed_amount"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	At           time.Time       `json:"at"`
}

// Result is the coverage breakdown for one item. Monetary values are rounded to
// two places; InsurancePays + PatientPays == Subtotal always holds.
type Result struct {
	InsuranceTariff          decimal.Decimal `json:"insurance_tariff"`
	Subtotal                 decimal.Decimal `json:"subtotal"`
	CoveredSubtotal          decimal.Decimal `json:"covered_subtotal"`
	IsCovered                bool            `json:"is_covered"`
	CoveragePercentage       decimal.Decimal `json:"coverage_percentage"`
	InsurancePays            decimal.Decimal `json:"insurance_pays"`
	PatientPays              decimal.Decimal `json:"patient_pays"`
	RequiresPreauthorization bool            `json:"requires_preauthorization"`
	ExceededLimit            bool            `json:"exceeded_limit"`
	LimitMessage             string          `json:"limit_message,omitempty"`
	RuleID                   string          `json:"rule_id,omitempty"`
	RuleScope                RuleScope       `json:"rule_scope,omitempty"`
	PriceSource              PriceSource     `json:"price_source"`
	Miss                     Miss            `json:"miss,omitempty"`
}

// Calculator prices items against an injected Catalog. It has no side effects.
type Calculator struct {
	catalog  Catalog
	validate *validator.Validate
	now      func() time.Time
}

// NewCalculator creates a calculator over the given catalog.
func NewCalculator(catalog Catalog) *Calculator {
	return &Calculator{
		catalog:  catalog,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used when a request carries no date.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Compute prices one item.
func (c *Calculator) Compute(ctx context.Context, req Request) (Result, error) {
	if err := c.check(req); err != nil {
		return Result{}, err
	}
	at := req.At
	if at.IsZero() {
		at = c.now()
	}

	plan, err := c.catalog.Plan(ctx, req.PlanID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return Result{}, fmt.Errorf("load plan %s: %w", req.PlanID, err)
	}

	var (
		rule  *CoverageRule
		scope RuleScope
	)
	if plan != nil {
		rule, scope, err = c.selectRule(ctx, plan, req.Item, at)
		if err != nil {
			return Result{}, err
		}
	}

	if plan != nil && plan.UsesReferenceTariff {
		return c.computeReference(ctx, req, rule, scope, at)
	}

	price, source, err := c.resolvePrice(ctx, req, rule, at)
	if err != nil {
		return Result{}, err
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	unit, subtotal := price, price.Mul(qty)
	if source == PriceBilled {
		unit, subtotal = req.BilledAmount.Div(qty), req.BilledAmount
	}

	res := Result{
		InsuranceTariff: unit,
		Subtotal:        subtotal,
		PriceSource:     source,
		RuleScope:       scope,
	}
	if rule != nil {
		res.RuleID = rule.ID
		res.RequiresPreauthorization = rule.RequiresPreauthorization
	}

	switch {
	case plan == nil:
		res.Miss = MissNoPlan
		return finish(res, zero, zero), nil
	case rule == nil:
		res.Miss = MissNoRule
		return finish(res, zero, zero), nil
	case !rule.IsCovered || rule.CoverageType == CoverageExcluded:
		res.Miss = MissExcludedByRule
		return finish(res, zero, zero), nil
	}

	payableQty := qty
	if rule.MaxQuantityPerVisit != nil && req.Quantity > *rule.MaxQuantityPerVisit {
		payableQty = decimal.NewFromInt(int64(*rule.MaxQuantityPerVisit))
		res.ExceededLimit = true
		res.LimitMessage = fmt.Sprintf("quantity %d exceeds the per-visit limit of %d; excess is patient-pays",
			req.Quantity, *rule.MaxQuantityPerVisit)
	}
	payable := unit.Mul(payableQty)
	if rule.MaxAmountPerVisit != nil && payable.GreaterThan(*rule.MaxAmountPerVisit) {
		payable = *rule.MaxAmountPerVisit
		res.ExceededLimit = true
		res.LimitMessage = fmt.Sprintf("amount exceeds the per-visit limit of %s; excess is patient-pays",
			rule.MaxAmountPerVisit.StringFixed(2))
	}
	if payable.IsNegative() {
		payable = zero
	}

	var insurer decimal.Decimal
	switch rule.CoverageType {
	case CoverageFixed:
		insurer = decimal.Min(rule.CoverageValue, payable)
	case CoverageFull:
		insurer = payable
	default:
		insurer = payable.Mul(rule.CoverageValue).Div(hundred)
	}
	if rule.PatientCopayAmount.IsPositive() {
		insurer = insurer.Sub(rule.PatientCopayAmount.Mul(payableQty))
	}
	insurer = clamp(insurer, zero, payable)

	res.IsCovered = true
	return finish(res, payable, insurer), nil
}

// computeReference prices an item under a national scheme plan. Mapped items are
// reimbursed at the reference tariff with the rule's per-unit copay added on top for
// the patient. Unmapped items cost the patient a flexible copay when one is
// configured and the billed amount otherwise.
func (c *Calculator) computeReference(ctx context.Context, req Request, rule *CoverageRule, scope RuleScope, at time.Time) (Result, error) {
	qty := decimal.NewFromInt(int64(req.Quantity))
	ref, err := c.referencePrice(ctx, req.Item, at)
	if err != nil {
		return Result{}, err
	}

	if ref == nil {
		flex, err := c.flexibleRule(ctx, req, at)
		if err != nil {
			return Result{}, err
		}
		if flex != nil {
			rule, scope = flex, ScopeItem
		}
		res := Result{
			InsuranceTariff: req.BilledAmount.Div(qty),
			Subtotal:        req.BilledAmount,
			PriceSource:     PriceBilled,
		}
		if rule == nil || (flex == nil && !rule.PatientCopayAmount.IsPositive()) {
			res.Miss = MissNotMapped
			return finish(res, zero, zero), nil
		}
		res.RuleID, res.RuleScope = rule.ID, scope
		res.RequiresPreauthorization = rule.RequiresPreauthorization
		res.Subtotal = rule.PatientCopayAmount.Mul(qty)
		res.IsCovered = true
		return finish(res, zero, zero), nil
	}

	res := Result{
		InsuranceTariff: ref.Price,
		PriceSource:     PriceReferenceTariff,
	}
	payableQty, copay := qty, zero
	if rule != nil {
		res.RuleID, res.RuleScope = rule.ID, scope
		res.RequiresPreauthorization = rule.RequiresPreauthorization
		copay = rule.PatientCopayAmount.Mul(qty)
		if rule.MaxQuantityPerVisit != nil && req.Quantity > *rule.MaxQuantityPerVisit {
			payableQty = decimal.NewFromInt(int64(*rule.MaxQuantityPerVisit))
			res.ExceededLimit = true
			res.LimitMessage = fmt.Sprintf("quantity %d exceeds the per-visit limit of %d; excess is patient-pays",
				req.Quantity, *rule.MaxQuantityPerVisit)
		}
	}
	payable := ref.Price.Mul(payableQty)
	if rule != nil && rule.MaxAmountPerVisit != nil && payable.GreaterThan(*rule.MaxAmountPerVisit) {
		payable = *rule.MaxAmountPerVisit
		res.ExceededLimit = true
		res.LimitMessage = fmt.Sprintf("amount exceeds the per-visit limit of %s; excess is patient-pays",
			rule.MaxAmountPerVisit.StringFixed(2))
	}
	res.Subtotal = ref.Price.Mul(qty).Add(copay)
	res.IsCovered = true
	return finish(res, payable, payable), nil
}

// flexibleRule returns the active unmapped rule for the exact item code, if any.
func (c *Calculator) flexibleRule(ctx context.Context, req Request, at time.Time) (*CoverageRule, error) {
	rules, err := c.catalog.Rules(ctx, req.PlanID, req.Item.Type.Category())
	if err != nil {
		return nil, fmt.Errorf("load rules for plan %s: %w", req.PlanID, err)
	}
	var flex *CoverageRule
	for i := range rules {
		r := &rules[i]
		if !r.Unmapped || r.ItemCode != req.Item.Code || !r.ActiveAt(at) {
			continue
		}
		if flex == nil || laterRule(r, flex) {
			flex = r
		}
	}
	return flex, nil
}

// finish rounds the result for output. Rounding happens here and nowhere earlier.
func finish(res Result, payable, insurer decimal.Decimal) Result {
	subtotal := res.Subtotal.Round(2)
	ins := decimal.Min(insurer.Round(2), subtotal)
	if ins.IsNegative() {
		ins = zero
	}

	pct := zero
	if res.Subtotal.IsPositive() {
		pct = insurer.Div(res.Subtotal).Mul(hundred).Round(2)
	}

	res.InsuranceTariff = res.InsuranceTariff.Round(2)
	res.Subtotal = subtotal
	res.CoveredSubtotal = payable.Round(2)
	res.InsurancePays = ins
	res.PatientPays = subtotal.Sub(ins)
	res.CoveragePercentage = pct
	return res
}

func (c *Calculator) check(req Request) error {
	if err := c.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errs.Validation(fe.Namespace(), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
		return errs.Validation("", err.Error())
	}
	if req.BilledAmount.IsNegative() {
		return errs.Validation("billed_amount", "must not be negative")
	}
	return nil
}

// selectRule picks the exact item rule, then the category rule, then the plan's
// category default. Among several active matches at one level the latest
// EffectiveFrom wins.
func (c *Calculator) selectRule(ctx context.Context, plan *Plan, item ItemRef, at time.Time) (*CoverageRule, RuleScope, error) {
	category := item.Type.Category()
	rules, err := c.catalog.Rules(ctx, plan.ID, category)
	if err != nil {
		return nil, ScopeNone, fmt.Errorf("load rules for plan %s: %w", plan.ID, err)
	}

	var specific, general *CoverageRule
	for i := range rules {
		r := &rules[i]
		if !r.ActiveAt(at) || r.Unmapped {
			continue
		}
		switch r.ItemCode {
		case item.Code:
			if specific == nil || laterRule(r, specific) {
				specific = r
			}
		case "":
			if general == nil || laterRule(r, general) {
				general = r
			}
		}
	}
	if specific != nil {
		return specific, ScopeItem, nil
	}
	if general != nil {
		return general, ScopeCategory, nil
	}

	if def, ok := plan.CategoryDefaults[category]; ok {
		return &CoverageRule{
			PlanID:                 plan.ID,
			Category:               category,
			IsCovered:              def.IsPositive(),
			CoverageType:           CoveragePercentage,
			CoverageValue:          def,
			PatientCopayPercentage: hundred.Sub(def),
			IsActive:               true,
		}, ScopePlanDefault, nil
	}
	return nil, ScopeNone, nil
}

func laterRule(a, b *CoverageRule) bool {
	if a.EffectiveFrom == nil {
		return false
	}
	if b.EffectiveFrom == nil {
		return true
	}
	return a.EffectiveFrom.After(*b.EffectiveFrom)
}

// resolvePrice returns the unit price and its source: rule tariff override, plan
// tariff, national reference tariff, then the billed amount.
func (c *Calculator) resolvePrice(ctx context.Context, req Request, rule *CoverageRule, at time.Time) (decimal.Decimal, PriceSource, error) {
	if rule != nil && rule.TariffAmount != nil {
		return *rule.TariffAmount, PriceRuleTariff, nil
	}

	tariffs, err := c.catalog.Tariffs(ctx, req.PlanID, req.Item.Type, req.Item.Code)
	if err != nil {
		return zero, "", fmt.Errorf("load tariffs: %w", err)
	}
	var best *TariffEntry
	for i := range tariffs {
		t := &tariffs[i]
		if !t.ActiveAt(at) {
			continue
		}
		if best == nil || t.EffectiveFrom.After(best.EffectiveFrom) {
			best = t
		}
	}
	if best != nil {
		return best.Price(), PricePlanTariff, nil
	}

	ref, err := c.referencePrice(ctx, req.Item, at)
	if err != nil {
		return zero, "", err
	}
	if ref != nil {
		return ref.Price, PriceReferenceTariff, nil
	}

	return req.BilledAmount, PriceBilled, nil
}

// referencePrice returns the latest active reference tariff for the item, or nil
// when the item is unmapped.
func (c *Calculator) referencePrice(ctx context.Context, item ItemRef, at time.Time) (*ReferenceTariff, error) {
	refs, err := c.catalog.ReferenceTariffs(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("load reference tariffs: %w", err)
	}
	var ref *ReferenceTariff
	for i := range refs {
		r := &refs[i]
		if !r.ActiveAt(at) {
			continue
		}
		if ref == nil || r.EffectiveFrom.After(ref.EffectiveFrom) {
			ref = r
		}
	}
	return ref, nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
