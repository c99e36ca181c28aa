package claim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
)

// Status represents claim workflow status
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingVetting Status = "pending_vetting"
	StatusVetted         Status = "vetted"
	StatusSubmitted      Status = "submitted"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusPaid           Status = "paid"
	StatusPartial        Status = "partial"
	StatusResubmitted    Status = "resubmitted"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition or ledger mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Approval is the tri-state vetting decision on a line item.
type Approval string

const (
	ApprovalUnreviewed Approval = "unreviewed"
	ApprovalApproved   Approval = "approved"
	ApprovalRejected   Approval = "rejected"
)

// Charge is the billable event a line item mirrors.
type Charge struct {
	ID           string           `json:"id" validate:"required"`
	VisitID      string           `json:"visit_id" validate:"required"`
	PatientID    string           `json:"patient_id,omitempty"`
	ClaimID      string           `json:"claim_id,omitempty"`
	PlanID       string           `json:"plan_id,omitempty"`
	Item         coverage.ItemRef `json:"item"`
	Description  string           `json:"description,omitempty"`
	BilledAmount decimal.Decimal  `json:"billed_amount"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	ChargedAt    time.Time        `json:"charged_at"`
}

// LineItem is one charge's coverage breakdown inside a claim.
// InsurancePays + PatientPays == Subtotal always holds.
type LineItem struct {
	ID                       string            `json:"id"`
	ClaimID                  string            `json:"claim_id"`
	ChargeID                 string            `json:"charge_id"`
	ItemDate                 time.Time         `json:"item_date"`
	ItemType                 coverage.ItemType `json:"item_type"`
	Code                     string            `json:"code"`
	Description              string            `json:"description,omitempty"`
	Quantity                 int               `json:"quantity"`
	BilledAmount             decimal.Decimal   `json:"billed_amount"`
	UnitTariff               decimal.Decimal   `json:"unit_tariff"`
	Subtotal                 decimal.Decimal   `json:"subtotal"`
	CoveredSubtotal          decimal.Decimal   `json:"covered_subtotal"`
	CoveragePercentage       decimal.Decimal   `json:"coverage_percentage"`
	CalculatedInsurancePays  decimal.Decimal   `json:"calculated_insurance_pays"`
	InsurancePays            decimal.Decimal   `json:"insurance_pays"`
	PatientPays              decimal.Decimal   `json:"patient_pays"`
	IsCovered                bool              `json:"is_covered"`
	RequiresPreauthorization bool              `json:"requires_preauthorization"`
	CoverageMiss             coverage.Miss     `json:"coverage_miss,omitempty"`
	Approval                 Approval          `json:"approval"`
	RejectionReason          string            `json:"rejection_reason,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

func (li *LineItem) applyCoverage(ch Charge, res coverage.Result) {
	li.Quantity = ch.Quantity
	li.BilledAmount = ch.BilledAmount
	li.UnitTariff = res.InsuranceTariff
	li.Subtotal = res.Subtotal
	li.CoveredSubtotal = res.CoveredSubtotal
	li.CoveragePercentage = res.CoveragePercentage
	li.CalculatedInsurancePays = res.InsurancePays
	li.IsCovered = res.IsCovered
	li.RequiresPreauthorization = res.RequiresPreauthorization
	li.CoverageMiss = res.Miss
	if ch.Description != "" {
		li.Description = ch.Description
	}
}

// Totals holds the four claim aggregates. It doubles as a delta.
type Totals struct {
	TotalClaimAmount       decimal.Decimal `json:"total_claim_amount"`
	InsuranceCoveredAmount decimal.Decimal `json:"insurance_covered_amount"`
	PatientCopayAmount     decimal.Decimal `json:"patient_copay_amount"`
	ApprovedAmount         decimal.Decimal `json:"approved_amount"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		TotalClaimAmount:       t.TotalClaimAmount.Add(o.TotalClaimAmount),
		InsuranceCoveredAmount: t.InsuranceCoveredAmount.Add(o.InsuranceCoveredAmount),
		PatientCopayAmount:     t.PatientCopayAmount.Add(o.PatientCopayAmount),
		ApprovedAmount:         t.ApprovedAmount.Add(o.ApprovedAmount),
	}
}

func (t Totals) Sub(o Totals) Totals {
	return t.Add(o.Neg())
}

func (t Totals) Neg() Totals {
	return Totals{
		TotalClaimAmount:       t.TotalClaimAmount.Neg(),
		InsuranceCoveredAmount: t.InsuranceCoveredAmount.Neg(),
		PatientCopayAmount:     t.PatientCopayAmount.Neg(),
		ApprovedAmount:         t.ApprovedAmount.Neg(),
	}
}

func (t Totals) IsZero() bool {
	return t.TotalClaimAmount.IsZero() && t.InsuranceCoveredAmount.IsZero() &&
		t.PatientCopayAmount.IsZero() && t.ApprovedAmount.IsZero()
}

// contribution is what a line item adds to the claim totals.
func contribution(li *LineItem) Totals {
	t := Totals{
		TotalClaimAmount:       li.Subtotal,
		InsuranceCoveredAmount: li.InsurancePays,
		PatientCopayAmount:     li.PatientPays,
	}
	if li.Approval == ApprovalApproved {
		t.ApprovedAmount = li.InsurancePays
	}
	return t
}

// Snapshot is the exported, persistable view of a claim.
type Snapshot struct {
	ID                  string           `json:"id"`
	VisitID             string           `json:"visit_id"`
	PatientID           string           `json:"patient_id,omitempty"`
	PlanID              string           `json:"plan_id"`
	Status              Status           `json:"status"`
	Totals                               // flattened aggregates
	PayerApprovedAmount *decimal.Decimal `json:"payer_approved_amount,omitempty"`
	PaidAmount          decimal.Decimal  `json:"paid_amount"`
	PaymentDate         *time.Time       `json:"payment_date,omitempty"`
	VettedBy            string           `json:"vetted_by,omitempty"`
	VettedAt            *time.Time       `json:"vetted_at,omitempty"`
	SubmittedBy         string           `json:"submitted_by,omitempty"`
	SubmittedAt         *time.Time       `json:"submitted_at,omitempty"`
	RejectionReason     string           `json:"rejection_reason,omitempty"`
	ResubmissionCount   int              `json:"resubmission_count"`
	ItemsReviewed       bool             `json:"items_reviewed"`
	NeedsReview         bool             `json:"needs_review"`
	ReviewReason        string           `json:"review_reason,omitempty"`
	Notes               string           `json:"notes,omitempty"`
	Version             int              `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	LineItems           []LineItem       `json:"line_items"`
}
