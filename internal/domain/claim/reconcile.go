package claim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Recomputed re-sums the live line items. Only Reconcile and Repair use it;
// the ledger operations never re-sum.
func (c *Claim) Recomputed() Totals {
	var sum Totals
	for _, li := range c.items {
		sum = sum.Add(contribution(li))
	}
	return sum
}

// Reconcile compares the stored aggregates with the line items and returns a
// *errs.LedgerInconsistencyError listing every drift. It never writes.
func (c *Claim) Reconcile() error {
	var drifts []errs.Drift
	for _, li := range c.items {
		if !li.InsurancePays.Add(li.PatientPays).Equal(li.Subtotal) {
			drifts = append(drifts, errs.Drift{
				Field:    fmt.Sprintf("line_item[%s].shares", li.ID),
				Stored:   li.Subtotal,
				Computed: li.InsurancePays.Add(li.PatientPays),
			})
		}
		if li.InsurancePays.IsNegative() || li.PatientPays.IsNegative() {
			drifts = append(drifts, errs.Drift{
				Field:    fmt.Sprintf("line_item[%s].negative_share", li.ID),
				Stored:   decimal.Min(li.InsurancePays, li.PatientPays),
				Computed: decimal.Zero,
			})
		}
	}

	sum := c.Recomputed()
	compare := func(field string, stored, computed decimal.Decimal) {
		if !stored.Equal(computed) {
			drifts = append(drifts, errs.Drift{Field: field, Stored: stored, Computed: computed})
		}
	}
	compare("total_claim_amount", c.totals.TotalClaimAmount, sum.TotalClaimAmount)
	compare("insurance_covered_amount", c.totals.InsuranceCoveredAmount, sum.InsuranceCoveredAmount)
	compare("patient_copay_amount", c.totals.PatientCopayAmount, sum.PatientCopayAmount)
	compare("approved_amount", c.totals.ApprovedAmount, sum.ApprovedAmount)

	if len(drifts) == 0 {
		return nil
	}
	return &errs.LedgerInconsistencyError{ClaimID: c.id, Drifts: drifts, Reason: "aggregate drift"}
}

// Flag holds the claim for manual review. Ledger operations and vetting fail
// until Repair is called. Flagging an already flagged claim is a no-op.
func (c *Claim) Flag(reason string, drifts []errs.Drift) error {
	if c.needsReview {
		return nil
	}
	if reason == "" {
		reason = "aggregate drift"
	}
	return c.record(EventClaimFlagged, &FlaggedData{Reason: reason, Drifts: drifts})
}

// Repair resets the aggregates to the re-summed line items and releases the
// review hold. It is the only write path that re-sums.
func (c *Claim) Repair(actor string) (before, after Totals, err error) {
	before, after = c.totals, c.Recomputed()
	if !c.needsReview && before.Sub(after).IsZero() {
		return before, after, nil
	}
	err = c.record(EventClaimRepaired, &RepairedData{Before: before, After: after, Actor: actor})
	return before, after, err
}
