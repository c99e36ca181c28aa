// Package claim implements the claim ledger and its workflow state machine.
package claim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Claim is the ledger root for one insured visit. Its aggregates are only ever
// changed by applyDelta, which is reached exclusively through events.
type Claim struct {
	id                  string
	visitID             string
	patientID           string
	planID              string
	version             int
	status              Status
	totals              Totals
	items               []*LineItem
	payerApprovedAmount *decimal.Decimal
	paidAmount          decimal.Decimal
	paymentDate         *time.Time
	vettedBy            string
	vettedAt            *time.Time
	submittedBy         string
	submittedAt         *time.Time
	rejectionReason     string
	resubmissionCount   int
	itemsReviewed       bool
	needsReview         bool
	reviewReason        string
	notes               string
	createdAt           time.Time
	updatedAt           time.Time
	changes             []*Event
}

// Open creates a draft claim for a visit.
func Open(visitID, patientID, planID string) (*Claim, error) {
	if visitID == "" {
		return nil, errs.Validation("visit_id", "is required")
	}
	if planID == "" {
		return nil, errs.Validation("plan_id", "is required")
	}
	now := time.Now().UTC()
	c := &Claim{
		id:        uuid.New().String(),
		status:    StatusDraft,
		createdAt: now,
		updatedAt: now,
		changes:   make([]*Event, 0),
	}
	if err := c.record(EventClaimOpened, &ClaimOpenedData{
		ClaimID:   c.id,
		VisitID:   visitID,
		PatientID: patientID,
		PlanID:    planID,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Restore rebuilds a claim from its persisted snapshot.
func Restore(s Snapshot) *Claim {
	c := &Claim{
		id:                  s.ID,
		visitID:             s.VisitID,
		patientID:           s.PatientID,
		planID:              s.PlanID,
		version:             s.Version,
		status:              s.Status,
		totals:              s.Totals,
		payerApprovedAmount: s.PayerApprovedAmount,
		paidAmount:          s.PaidAmount,
		paymentDate:         s.PaymentDate,
		vettedBy:            s.VettedBy,
		vettedAt:            s.VettedAt,
		submittedBy:         s.SubmittedBy,
		submittedAt:         s.SubmittedAt,
		rejectionReason:     s.RejectionReason,
		resubmissionCount:   s.ResubmissionCount,
		itemsReviewed:       s.ItemsReviewed,
		needsReview:         s.NeedsReview,
		reviewReason:        s.ReviewReason,
		notes:               s.Notes,
		createdAt:           s.CreatedAt,
		updatedAt:           s.UpdatedAt,
		changes:             make([]*Event, 0),
	}
	for i := range s.LineItems {
		li := s.LineItems[i]
		c.items = append(c.items, &li)
	}
	return c
}

// Snapshot returns a deep copy of the claim state.
func (c *Claim) Snapshot() Snapshot {
	s := Snapshot{
		ID:                  c.id,
		VisitID:             c.visitID,
		PatientID:           c.patientID,
		PlanID:              c.planID,
		Status:              c.status,
		Totals:              c.totals,
		PayerApprovedAmount: c.payerApprovedAmount,
		PaidAmount:          c.paidAmount,
		PaymentDate:         c.paymentDate,
		VettedBy:            c.vettedBy,
		VettedAt:            c.vettedAt,
		SubmittedBy:         c.submittedBy,
		SubmittedAt:         c.submittedAt,
		RejectionReason:     c.rejectionReason,
		ResubmissionCount:   c.resubmissionCount,
		ItemsReviewed:       c.itemsReviewed,
		NeedsReview:         c.needsReview,
		ReviewReason:        c.reviewReason,
		Notes:               c.notes,
		Version:             c.version,
		CreatedAt:           c.createdAt,
		UpdatedAt:           c.updatedAt,
		LineItems:           make([]LineItem, 0, len(c.items)),
	}
	for _, li := range c.items {
		s.LineItems = append(s.LineItems, *li)
	}
	return s
}

func (c *Claim) ID() string { return c.id }
func (c *Claim) VisitID() string { return c.visitID }
func (c *Claim) PlanID() string { return c.planID }
func (c *Claim) Version() int { return c.version }
func (c *Claim) Status() Status { return c.status }
func (c *Claim) Totals() Totals { return c.totals }
func (c *Claim) NeedsReview() bool { return c.needsReview }
func (c *Claim) SubmittedAt() *time.Time { return c.submittedAt }
func (c *Claim) PaidAmount() decimal.Decimal { return c.paidAmount }

// Changes returns uncommitted events
func (c *Claim) Changes() []*Event { return c.changes }

// ClearChanges clears uncommitted events
func (c *Claim) ClearChanges() { c.changes = make([]*Event, 0) }

// LineItems returns copies of the live line items.
func (c *Claim) LineItems() []LineItem {
	out := make([]LineItem, 0, len(c.items))
	for _, li := range c.items {
		out = append(out, *li)
	}
	return out
}

// LineItemForCharge returns the line item mirroring a charge, if any.
func (c *Claim) LineItemForCharge(chargeID string) (LineItem, bool) {
	if li := c.itemByCharge(chargeID); li != nil {
		return *li, true
	}
	return LineItem{}, false
}

// AddLineItem records a new unreviewed line item for a charge.
func (c *Claim) AddLineItem(ch Charge, res coverage.Result) (*LineItem, error) {
	if err := c.guardLedger("add line item to"); err != nil {
		return nil, err
	}
	if ch.ID == "" {
		return nil, errs.Validation("charge.id", "is required")
	}
	if c.itemByCharge(ch.ID) != nil {
		return nil, errs.Conflict("charge %s already has a line item on claim %s", ch.ID, c.id)
	}

	itemDate := ch.ChargedAt
	if itemDate.IsZero() {
		itemDate = time.Now().UTC()
	}
	li := LineItem{
		ID:       uuid.New().String(),
		ClaimID:  c.id,
		ChargeID: ch.ID,
		ItemDate: itemDate,
		ItemType: ch.Item.Type,
		Code:     ch.Item.Code,
		Approval: ApprovalUnreviewed,
	}
	li.applyCoverage(ch, res)
	settle(&li, c.itemsReviewed)

	if err := c.record(EventLineItemAdded, &LineItemChangedData{Item: li, Delta: contribution(&li)}); err != nil {
		return nil, err
	}
	out := *c.itemByCharge(ch.ID)
	return &out, nil
}

// AmendLineItem re-derives a line item from the charge's new amount and applies
// only the difference to the aggregates. Amending twice with the same input is a no-op
// the second time.
func (c *Claim) AmendLineItem(ch Charge, res coverage.Result) (*LineItem, error) {
	if err := c.guardLedger("amend line item on"); err != nil {
		return nil, err
	}
	current := c.itemByCharge(ch.ID)
	if current == nil {
		return nil, errs.NotFound("line item for charge", ch.ID)
	}

	next := *current
	next.applyCoverage(ch, res)
	settle(&next, c.itemsReviewed)

	delta := contribution(&next).Sub(contribution(current))
	if delta.IsZero() && sameLineItem(current, &next) {
		out := *current
		return &out, nil
	}
	if err := c.record(EventLineItemAmended, &LineItemChangedData{Item: next, Delta: delta}); err != nil {
		return nil, err
	}
	out := *c.itemByCharge(ch.ID)
	return &out, nil
}

// RemoveLineItem subtracts a voided charge's line item and deletes it.
func (c *Claim) RemoveLineItem(chargeID string) (*LineItem, error) {
	if err := c.guardLedger("remove line item from"); err != nil {
		return nil, err
	}
	current := c.itemByCharge(chargeID)
	if current == nil {
		return nil, errs.NotFound("line item for charge", chargeID)
	}
	removed := *current
	if err := c.record(EventLineItemRemoved, &LineItemRemovedData{
		LineItemID: removed.ID,
		ChargeID:   chargeID,
		Delta:      contribution(&removed).Neg(),
	}); err != nil {
		return nil, err
	}
	return &removed, nil
}

// settle sets the effective shares of a line item. Rejected items, and unreviewed
// items once the claim has been vetted, are entirely patient-pays.
func settle(li *LineItem, reviewed bool) {
	if li.Approval == ApprovalRejected || (li.Approval == ApprovalUnreviewed && reviewed) {
		li.InsurancePays = decimal.Zero
		li.PatientPays = li.Subtotal
		return
	}
	li.InsurancePays = li.CalculatedInsurancePays
	li.PatientPays = li.Subtotal.Sub(li.CalculatedInsurancePays)
}

func (c *Claim) guardLedger(action string) error {
	if c.status.Terminal() {
		return &errs.InvalidTransitionError{Entity: "claim", ID: c.id, Action: action, From: string(c.status)}
	}
	if c.needsReview {
		return &errs.LedgerInconsistencyError{ClaimID: c.id, Reason: "held for manual review: " + c.reviewReason}
	}
	return nil
}

func (c *Claim) itemByCharge(chargeID string) *LineItem {
	for _, li := range c.items {
		if li.ChargeID == chargeID {
			return li
		}
	}
	return nil
}

func (c *Claim) itemByID(id string) *LineItem {
	for _, li := range c.items {
		if li.ID == id {
			return li
		}
	}
	return nil
}

func sameLineItem(a, b *LineItem) bool {
	return a.Quantity == b.Quantity &&
		a.BilledAmount.Equal(b.BilledAmount) &&
		a.UnitTariff.Equal(b.UnitTariff) &&
		a.CoveredSubtotal.Equal(b.CoveredSubtotal) &&
		a.CoveragePercentage.Equal(b.CoveragePercentage) &&
		a.CalculatedInsurancePays.Equal(b.CalculatedInsurancePays) &&
		a.IsCovered == b.IsCovered &&
		a.RequiresPreauthorization == b.RequiresPreauthorization &&
		a.Description == b.Description
}

// record wraps a payload in an event, applies it and queues it for persistence.
func (c *Claim) record(eventType EventType, payload interface{}) error {
	event, err := NewEvent(c.id, eventType, payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	switch p := payload.(type) {
	case *TransitionData:
		event.WithTransition(p.From, p.To, p.Note, p.Actor)
	case *RepairedData:
		event.Actor = p.Actor
	case *FlaggedData:
		event.Note = p.Reason
	}
	c.apply(event, payload)
	event.Version = c.version
	c.changes = append(c.changes, event)
	return nil
}

// apply applies an event to update state
func (c *Claim) apply(event *Event, payload interface{}) {
	c.version++
	c.updatedAt = event.Timestamp

	switch data := payload.(type) {
	case *ClaimOpenedData:
		c.visitID = data.VisitID
		c.patientID = data.PatientID
		c.planID = data.PlanID
		c.createdAt = event.Timestamp
	case *LineItemChangedData:
		c.applyItem(data.Item, event.Timestamp)
		c.applyDelta(data.Delta)
	case *LineItemRemovedData:
		c.dropItem(data.LineItemID)
		c.applyDelta(data.Delta)
	case *LineItemsReviewedData:
		for _, li := range data.Items {
			c.applyItem(li, event.Timestamp)
		}
		c.itemsReviewed = true
		c.applyDelta(data.Delta)
	case *TransitionData:
		c.applyTransition(event, data)
	case *FlaggedData:
		c.needsReview = true
		c.reviewReason = data.Reason
	case *RepairedData:
		c.applyDelta(data.After.Sub(data.Before))
		c.needsReview = false
		c.reviewReason = ""
	}
}

// applyDelta is the single writer of the claim aggregates.
func (c *Claim) applyDelta(d Totals) {
	c.totals = c.totals.Add(d)
}

func (c *Claim) applyItem(li LineItem, at time.Time) {
	li.UpdatedAt = at
	if existing := c.itemByID(li.ID); existing != nil {
		li.CreatedAt = existing.CreatedAt
		*existing = li
		return
	}
	li.CreatedAt = at
	c.items = append(c.items, &li)
}

func (c *Claim) dropItem(id string) {
	for i, li := range c.items {
		if li.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}
