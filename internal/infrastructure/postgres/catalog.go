package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Catalog reads plans, coverage rules and tariffs from Postgres.
type Catalog struct {
	pool *pgxpool.Pool
}

var _ coverage.Catalog = (*Catalog)(nil)

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) Plan(ctx context.Context, planID string) (*coverage.Plan, error) {
	var (
		p        coverage.Plan
		defaults []byte
	)
	err := c.pool.QueryRow(ctx, `SELECT id, name, category_defaults, uses_reference_tariff, is_active FROM insurance_plans WHERE id = $1`, planID).
		Scan(&p.ID, &p.Name, &defaults, &p.UsesReferenceTariff, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &p.CategoryDefaults); err != nil {
			return nil, fmt.Errorf("decode category defaults for plan %s: %w", planID, err)
		}
	}
	return &p, nil
}

func (c *Catalog) Rules(ctx context.Context, planID string, category coverage.Category) ([]coverage.CoverageRule, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, plan_id, category, item_code, is_covered, coverage_type, coverage_value,
		       patient_copay_percentage, patient_copay_amount, tariff_amount,
		       max_quantity_per_visit, max_amount_per_visit, requires_preauthorization,
		       effective_from, effective_to, is_active, is_unmapped
		FROM coverage_rules
		WHERE plan_id = $1 AND category = $2`, planID, string(category))
	if err != nil {
		return nil, fmt.Errorf("query coverage rules: %w", err)
	}
	defer rows.Close()

	var rules []coverage.CoverageRule
	for rows.Next() {
		var (
			r                 coverage.CoverageRule
			tariff, maxAmount decimal.NullDecimal
		)
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Category, &r.ItemCode, &r.IsCovered, &r.CoverageType, &r.CoverageValue,
			&r.PatientCopayPercentage, &r.PatientCopayAmount, &tariff,
			&r.MaxQuantityPerVisit, &maxAmount, &r.RequiresPreauthorization,
			&r.EffectiveFrom, &r.EffectiveTo, &r.IsActive, &r.Unmapped); err != nil {
			return nil, fmt.Errorf("scan coverage rule: %w", err)
		}
		if tariff.Valid {
			r.TariffAmount = &tariff.Decimal
		}
		if maxAmount.Valid {
			r.MaxAmountPerVisit = &maxAmount.Decimal
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (c *Catalog) Tariffs(ctx context.Context, planID string, itemType coverage.ItemType, itemCode string) ([]coverage.TariffEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, plan_id, item_type, item_code, standard_price, insurance_tariff, effective_from, effective_to
		FROM insurance_tariffs
		WHERE plan_id = $1 AND item_type = $2 AND item_code = $3`, planID, string(itemType.Category()), itemCode)
	if err != nil {
		return nil, fmt.Errorf("query tariffs: %w", err)
	}
	defer rows.Close()

	var out []coverage.TariffEntry
	for rows.Next() {
		var e coverage.TariffEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.ItemType, &e.ItemCode, &e.StandardPrice, &e.InsuranceTariff,
			&e.EffectiveFrom, &e.EffectiveTo); err != nil {
			return nil, fmt.Errorf("scan tariff: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *Catalog) ReferenceTariffs(ctx context.Context, item coverage.ItemRef) ([]coverage.ReferenceTariff, error) {
	code := item.ExternalID
	if code == "" {
		err := c.pool.QueryRow(ctx, `SELECT scheme_code FROM reference_mappings WHERE category = $1 AND item_code = $2`,
			string(item.Type.Category()), item.Code).Scan(&code)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load reference mapping: %w", err)
		}
	}

	rows, err := c.pool.Query(ctx, `
		SELECT code, name, price, effective_from, effective_to
		FROM reference_tariffs WHERE code = $1`, code)
	if err != nil {
		return nil, fmt.Errorf("query reference tariffs: %w", err)
	}
	defer rows.Close()

	var out []coverage.ReferenceTariff
	for rows.Next() {
		var r coverage.ReferenceTariff
		if err := rows.Scan(&r.Code, &r.Name, &r.Price, &r.EffectiveFrom, &r.EffectiveTo); err != nil {
			return nil, fmt.Errorf("scan reference tariff: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
