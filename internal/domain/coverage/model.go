// Package coverage computes insurer and patient shares for a billed item under a plan.
package coverage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemType identifies what kind of billable item is being priced.
type ItemType string

const (
	ItemConsultation ItemType = "consultation"
	ItemDrug         ItemType = "drug"
	ItemLab          ItemType = "lab"
	ItemProcedure    ItemType = "procedure"
	ItemConsumable   ItemType = "consumable"
	ItemWard         ItemType = "ward"
)

// Category is the coverage category a rule or plan default is keyed by.
type Category string

// Category maps an item type, including the aliases used by upstream billing, to its
// coverage category.
func (t ItemType) Category() Category {
	switch t {
	case "medication":
		return Category(ItemDrug)
	case "investigation", "imaging", "radiology":
		return Category(ItemLab)
	case "minor_procedure", "surgery":
		return Category(ItemProcedure)
	default:
		return Category(t)
	}
}

// ItemRef is the variant reference to a billable item. ExternalID is the national
// scheme identifier when the upstream catalog already knows it.
type ItemRef struct {
	Type       ItemType `json:"type" validate:"required"`
	Code       string   `json:"code" validate:"required"`
	ExternalID string   `json:"external_id,omitempty"`
}

// CoverageType decides how the insurer share is derived from the payable subtotal.
type CoverageType string

const (
	CoveragePercentage CoverageType = "percentage"
	CoverageFixed      CoverageType = "fixed"
	CoverageFull       CoverageType = "full"
	CoverageExcluded   CoverageType = "excluded"
)

// Plan is an insurance plan. CategoryDefaults holds the percentage covered for a
// category when the plan has no explicit rule for it. Plans with UsesReferenceTariff
// belong to the national scheme: the insurer reimburses the reference tariff and the
// patient pays only the rule's copay.
type Plan struct {
	ID                  string                       `json:"id"`
	Name                string                       `json:"name"`
	CategoryDefaults    map[Category]decimal.Decimal `json:"category_defaults,omitempty"`
	UsesReferenceTariff bool                         `json:"uses_reference_tariff"`
	IsActive            bool                         `json:"is_active"`
}

// CoverageRule is a plan's policy for a category (ItemCode empty) or a single item code.
// Unmapped rules carry the flexible copay for an item with no reference tariff mapping
// and are never picked for mapped items.
type CoverageRule struct {
	ID                       string           `json:"id"`
	PlanID                   string           `json:"plan_id"`
	Category                 Category         `json:"category"`
	ItemCode                 string           `json:"item_code,omitempty"`
	IsCovered                bool             `json:"is_covered"`
	CoverageType             CoverageType     `json:"coverage_type"`
	CoverageValue            decimal.Decimal  `json:"coverage_value"`
	PatientCopayPercentage   decimal.Decimal  `json:"patient_copay_percentage"`
	PatientCopayAmount       decimal.Decimal  `json:"patient_copay_amount"`
	TariffAmount             *decimal.Decimal `json:"tariff_amount,omitempty"`
	MaxQuantityPerVisit      *int             `json:"max_quantity_per_visit,omitempty"`
	MaxAmountPerVisit        *decimal.Decimal `json:"max_amount_per_visit,omitempty"`
	RequiresPreauthorization bool             `json:"requires_preauthorization"`
	EffectiveFrom            *time.Time       `json:"effective_from,omitempty"`
	EffectiveTo              *time.Time       `json:"effective_to,omitempty"`
	IsActive                 bool             `json:"is_active"`
	Unmapped                 bool             `json:"unmapped,omitempty"`
}

// ActiveAt reports whether the rule applies on the day of t. Both window ends are inclusive.
func (r CoverageRule) ActiveAt(t time.Time) bool {
	return r.IsActive && withinDays(t, r.EffectiveFrom, r.EffectiveTo)
}

// TariffEntry is a plan-specific contracted price for an item code.
type TariffEntry struct {
	ID              string          `json:"id"`
	PlanID          string          `json:"plan_id"`
	ItemType        ItemType        `json:"item_type"`
	ItemCode        string          `json:"item_code"`
	StandardPrice   decimal.Decimal `json:"standard_price"`
	InsuranceTariff decimal.Decimal `json:"insurance_tariff"`
	EffectiveFrom   time.Time       `json:"effective_from"`
	EffectiveTo     *time.Time      `json:"effective_to,omitempty"`
}

// ActiveAt reports whether the entry's window contains the day of t.
func (e TariffEntry) ActiveAt(t time.Time) bool {
	from := e.EffectiveFrom
	return withinDays(t, &from, e.EffectiveTo)
}

// Price is the reimbursable price, falling back to the standard price when no
// insurance tariff was negotiated.
func (e TariffEntry) Price() decimal.Decimal {
	if e.InsuranceTariff.IsPositive() {
		return e.InsuranceTariff
	}
	return e.StandardPrice
}

// ReferenceTariff is a plan-independent national scheme price, reached through an
// item mapping.
type ReferenceTariff struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

func (r ReferenceTariff) ActiveAt(t time.Time) bool {
	from := r.EffectiveFrom
	return withinDays(t, &from, r.EffectiveTo)
}

func withinDays(t time.Time, from, to *time.Time) bool {
	day := truncateDay(t)
	if from != nil && !from.IsZero() && day.Before(truncateDay(*from)) {
		return false
	}
	if to != nil && !to.IsZero() && day.After(truncateDay(*to)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
