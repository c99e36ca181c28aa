package claim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Decision is the claim-level vetting outcome.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReasonPreauthRequired is set on items rejected for lacking explicit approval.
const ReasonPreauthRequired = "preauthorization required"

// ItemDecision approves or rejects one line item during vetting.
type ItemDecision struct {
	LineItemID      string `json:"line_item_id" validate:"required"`
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// VetDecision is the input to Vet.
type VetDecision struct {
	Decision Decision       `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string         `json:"reason,omitempty"`
	Items    []ItemDecision `json:"items,omitempty"`
	Actor    string         `json:"actor,omitempty"`
}

// RequestVetting moves a draft claim into the vetting queue.
func (c *Claim) RequestVetting(actor string) error {
	if c.status != StatusDraft {
		return c.invalid("request vetting for")
	}
	return c.transition(EventVettingRequested, StatusPendingVetting, actor, "", nil)
}

// Vet applies a vetting decision. Approval adjusts the insurer and patient shares
// so the insurer pays only for approved items.
func (c *Claim) Vet(d VetDecision) error {
	if c.status != StatusDraft && c.status != StatusPendingVetting {
		return c.invalid("vet")
	}
	if c.needsReview {
		return &errs.LedgerInconsistencyError{ClaimID: c.id, Reason: "held for manual review: " + c.reviewReason}
	}

	switch d.Decision {
	case DecisionReject:
		if d.Reason == "" {
			return errs.Validation("reason", "is required when rejecting a claim")
		}
		return c.transition(EventClaimRejected, StatusRejected, d.Actor, d.Reason, func(t *TransitionData) {
			t.Reason = d.Reason
		})
	case DecisionApprove:
	default:
		return errs.Validation("decision", "must be approve or reject")
	}

	reviewed, err := c.review(d.Items)
	if err != nil {
		return err
	}
	if err := c.record(EventLineItemsReviewed, reviewed); err != nil {
		return err
	}
	return c.transition(EventClaimVetted, StatusVetted, d.Actor, d.Reason, nil)
}

// review computes the post-vetting state of every item without mutating the claim.
func (c *Claim) review(decisions []ItemDecision) (*LineItemsReviewedData, error) {
	next := make(map[string]LineItem, len(c.items))
	for _, li := range c.items {
		next[li.ID] = *li
	}
	for _, dec := range decisions {
		li, ok := next[dec.LineItemID]
		if !ok {
			return nil, errs.Validation("items", "unknown line item "+dec.LineItemID)
		}
		if dec.Approved {
			li.Approval = ApprovalApproved
			li.RejectionReason = ""
		} else {
			if dec.RejectionReason == "" {
				return nil, errs.Validation("items", "rejection reason required for item "+dec.LineItemID)
			}
			li.Approval = ApprovalRejected
			li.RejectionReason = dec.RejectionReason
		}
		next[dec.LineItemID] = li
	}

	out := &LineItemsReviewedData{}
	for _, current := range c.items {
		li := next[current.ID]
		if li.RequiresPreauthorization && li.Approval != ApprovalApproved {
			li.Approval = ApprovalRejected
			if li.RejectionReason == "" {
				li.RejectionReason = ReasonPreauthRequired
			}
		}
		settle(&li, true)
		delta := contribution(&li).Sub(contribution(current))
		if delta.IsZero() && li.Approval == current.Approval && li.RejectionReason == current.RejectionReason {
			continue
		}
		out.Items = append(out.Items, li)
		out.Delta = out.Delta.Add(delta)
	}
	return out, nil
}

// Submit sends a vetted claim to the payer.
func (c *Claim) Submit(actor string) error {
	if c.status != StatusVetted {
		return c.invalid("submit")
	}
	return c.transition(EventClaimSubmitted, StatusSubmitted, actor, "", nil)
}

// MarkApproved records the payer's approval and the amount it approved.
func (c *Claim) MarkApproved(amount decimal.Decimal, actor string) error {
	if c.status != StatusSubmitted && c.status != StatusResubmitted {
		return c.invalid("approve")
	}
	if amount.IsNegative() {
		return errs.Validation("amount", "must not be negative")
	}
	if amount.GreaterThan(c.totals.TotalClaimAmount) {
		return errs.Validation("amount", "exceeds the total claim amount")
	}
	return c.transition(EventClaimApproved, StatusApproved, actor, "", func(t *TransitionData) {
		t.Amount = &amount
	})
}

// MarkRejected records a payer rejection.
func (c *Claim) MarkRejected(reason, actor string) error {
	switch c.status {
	case StatusSubmitted, StatusResubmitted, StatusApproved:
	default:
		return c.invalid("reject")
	}
	if reason == "" {
		return errs.Validation("reason", "is required when rejecting a claim")
	}
	return c.transition(EventClaimRejected, StatusRejected, actor, reason, func(t *TransitionData) {
		t.Reason = reason
	})
}

// MarkPaid records a payment. The claim is paid once the cumulative payment
// reaches the payer-approved amount (or the vetted approved amount when the
// payer gave none), otherwise it is partially paid.
func (c *Claim) MarkPaid(amount decimal.Decimal, date time.Time, actor string) error {
	switch c.status {
	case StatusSubmitted, StatusResubmitted, StatusApproved, StatusPartial:
	default:
		return c.invalid("mark paid")
	}
	if !amount.IsPositive() {
		return errs.Validation("amount", "must be positive")
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}

	target := c.totals.ApprovedAmount
	if c.payerApprovedAmount != nil {
		target = *c.payerApprovedAmount
	}
	eventType, to := EventClaimPaid, StatusPaid
	if c.paidAmount.Add(amount).LessThan(target) {
		eventType, to = EventClaimPartiallyPaid, StatusPartial
	}
	return c.transition(eventType, to, actor, "", func(t *TransitionData) {
		t.Amount = &amount
		t.PaymentDate = &date
	})
}

// Resubmit sends a rejected or partially paid claim back to the payer.
func (c *Claim) Resubmit(actor, note string) error {
	if c.status != StatusRejected && c.status != StatusPartial {
		return c.invalid("resubmit")
	}
	return c.transition(EventClaimResubmitted, StatusResubmitted, actor, note, nil)
}

// Cancel closes a claim. Cancelled claims are kept, never deleted.
func (c *Claim) Cancel(reason, actor string) error {
	if c.status.Terminal() {
		return c.invalid("cancel")
	}
	return c.transition(EventClaimCancelled, StatusCancelled, actor, reason, func(t *TransitionData) {
		t.Reason = reason
	})
}

func (c *Claim) invalid(action string) error {
	return &errs.InvalidTransitionError{Entity: "claim", ID: c.id, Action: action, From: string(c.status)}
}

func (c *Claim) transition(eventType EventType, to Status, actor, note string, fill func(*TransitionData)) error {
	data := &TransitionData{
		ClaimID: c.id,
		VisitID: c.visitID,
		From:    c.status,
		To:      to,
		Actor:   actor,
		Note:    note,
		Totals:  c.totals,
	}
	if fill != nil {
		fill(data)
	}
	return c.record(eventType, data)
}

func (c *Claim) applyTransition(event *Event, data *TransitionData) {
	at := event.Timestamp
	c.status = data.To

	switch event.EventType {
	case EventClaimVetted:
		c.vettedBy = data.Actor
		c.vettedAt = &at
	case EventClaimSubmitted:
		c.submittedBy = data.Actor
		c.submittedAt = &at
	case EventClaimApproved:
		c.payerApprovedAmount = data.Amount
	case EventClaimRejected:
		c.rejectionReason = data.Reason
	case EventClaimPaid, EventClaimPartiallyPaid:
		if data.Amount != nil {
			c.paidAmount = c.paidAmount.Add(*data.Amount)
		}
		c.paymentDate = data.PaymentDate
	case EventClaimResubmitted:
		c.resubmissionCount++
		c.rejectionReason = ""
	case EventClaimCancelled:
		c.notes = data.Reason
	}
}
