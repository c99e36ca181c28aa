package batch

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents batch lifecycle status
type Status string

const (
	StatusDraft      Status = "draft"
	StatusFinalized  Status = "finalized"
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
)

// ItemStatus is the payer's answer for one claim in the batch.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemApproved ItemStatus = "approved"
	ItemRejected ItemStatus = "rejected"
	ItemPaid     ItemStatus = "paid"
)

// Outcome is a payer response kind.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomePaid     Outcome = "paid"
)

// Item links one claim to the batch with the amounts it had when it was added.
type Item struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	ClaimID         string          `json:"claim_id"`
	VisitID         string          `json:"visit_id"`
	ClaimAmount     decimal.Decimal `json:"claim_amount"`
	ApprovedAmount  decimal.Decimal `json:"approved_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	Status          ItemStatus      `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	AddedAt         time.Time       `json:"added_at"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
}

func contribution(it *Item) Totals {
	return Totals{
		TotalClaims:    1,
		TotalAmount:    it.ClaimAmount,
		ApprovedAmount: it.ApprovedAmount,
		PaidAmount:     it.PaidAmount,
	}
}

// Totals are the batch aggregates. Like claim totals they double as deltas.
type Totals struct {
	TotalClaims    int             `json:"total_claims"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		TotalClaims:    t.TotalClaims + o.TotalClaims,
		TotalAmount:    t.TotalAmount.Add(o.TotalAmount),
		ApprovedAmount: t.ApprovedAmount.Add(o.ApprovedAmount),
		PaidAmount:     t.PaidAmount.Add(o.PaidAmount),
	}
}

func (t Totals) Sub(o Totals) Totals {
	return Totals{
		TotalClaims:    t.TotalClaims - o.TotalClaims,
		TotalAmount:    t.TotalAmount.Sub(o.TotalAmount),
		ApprovedAmount: t.ApprovedAmount.Sub(o.ApprovedAmount),
		PaidAmount:     t.PaidAmount.Sub(o.PaidAmount),
	}
}

// Snapshot is the persistable view of a batch.
type Snapshot struct {
	ID             string           `json:"id"`
	Number         string           `json:"number"`
	Name           string           `json:"name"`
	Period         time.Time        `json:"period"`
	Status         Status           `json:"status"`
	Totals                          // flattened aggregates
	RemittedAmount *decimal.Decimal `json:"remitted_amount,omitempty"`
	PaymentDate    *time.Time       `json:"payment_date,omitempty"`
	CreatedBy      string           `json:"created_by,omitempty"`
	FinalizedAt    *time.Time       `json:"finalized_at,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Items          []Item           `json:"items"`
}

// PeriodOf returns the submission period (first day of the month, UTC) of t.
func PeriodOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Number formats a batch number as BATCH-YYYYMM-NNNN.
func Number(period time.Time, seq int) string {
	return fmt.Sprintf("BATCH-%s-%04d", PeriodOf(period).Format("200601"), seq)
}
