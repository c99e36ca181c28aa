// Package batch groups submitted claims into payer submission batches.
package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Batch is a submission-cycle grouping of claims. Its totals are changed only
// from its items and are never recomputed from the claims themselves.
type Batch struct {
	id             string
	number         string
	name           string
	period         time.Time
	status         Status
	totals         Totals
	items          []*Item
	remittedAmount *decimal.Decimal
	paymentDate    *time.Time
	createdBy      string
	finalizedAt    *time.Time
	submittedAt    *time.Time
	version        int
	createdAt      time.Time
	updatedAt      time.Time
	changes        []*Event
}

// New creates an empty draft batch.
func New(number, name string, period time.Time, actor string) (*Batch, error) {
	if number == "" {
		return nil, errs.Validation("number", "is required")
	}
	if period.IsZero() {
		return nil, errs.Validation("period", "is required")
	}
	if name == "" {
		name = "Claims " + PeriodOf(period).Format("January 2006")
	}
	b := &Batch{id: uuid.New().String(), changes: make([]*Event, 0)}
	if err := b.record(EventBatchCreated, &createdData{
		BatchID: b.id,
		Number:  number,
		Name:    name,
		Period:  PeriodOf(period),
		Actor:   actor,
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// Restore rebuilds a batch from its snapshot.
func Restore(s Snapshot) *Batch {
	b := &Batch{
		id:             s.ID,
		number:         s.Number,
		name:           s.Name,
		period:         s.Period,
		status:         s.Status,
		totals:         s.Totals,
		remittedAmount: s.RemittedAmount,
		paymentDate:    s.PaymentDate,
		createdBy:      s.CreatedBy,
		finalizedAt:    s.FinalizedAt,
		submittedAt:    s.SubmittedAt,
		version:        s.Version,
		createdAt:      s.CreatedAt,
		updatedAt:      s.UpdatedAt,
		changes:        make([]*Event, 0),
	}
	for i := range s.Items {
		it := s.Items[i]
		b.items = append(b.items, &it)
	}
	return b
}

// Snapshot returns a deep copy of the batch state.
func (b *Batch) Snapshot() Snapshot {
	s := Snapshot{
		ID:             b.id,
		Number:         b.number,
		Name:           b.name,
		Period:         b.period,
		Status:         b.status,
		Totals:         b.totals,
		RemittedAmount: b.remittedAmount,
		PaymentDate:    b.paymentDate,
		CreatedBy:      b.createdBy,
		FinalizedAt:    b.finalizedAt,
		SubmittedAt:    b.submittedAt,
		Version:        b.version,
		CreatedAt:      b.createdAt,
		UpdatedAt:      b.updatedAt,
		Items:          make([]Item, 0, len(b.items)),
	}
	for _, it := range b.items {
		s.Items = append(s.Items, *it)
	}
	return s
}

func (b *Batch) ID() string { return b.id }
func (b *Batch) Number() string { return b.number }
func (b *Batch) Period() time.Time { return b.period }
func (b *Batch) Status() Status { return b.status }
func (b *Batch) Totals() Totals { return b.totals }
func (b *Batch) Version() int { return b.version }

// Changes returns uncommitted events
func (b *Batch) Changes() []*Event { return b.changes }

// ClearChanges clears uncommitted events
func (b *Batch) ClearChanges() { b.changes = make([]*Event, 0) }

// Items returns copies of the batch items.
func (b *Batch) Items() []Item {
	out := make([]Item, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, *it)
	}
	return out
}

// Contains reports whether the claim is in the batch.
func (b *Batch) Contains(claimID string) bool {
	return b.itemByClaim(claimID) != nil
}

// Modifiable reports whether claims may still be added or removed.
func (b *Batch) Modifiable() bool { return b.status == StatusDraft }

// AddClaim snapshots the claim's current amounts into a new item.
func (b *Batch) AddClaim(c *claim.Claim) (*Item, error) {
	if !b.Modifiable() {
		return nil, b.invalid("add claim to")
	}
	switch c.Status() {
	case claim.StatusVetted, claim.StatusSubmitted, claim.StatusResubmitted:
	default:
		return nil, &errs.InvalidTransitionError{Entity: "claim", ID: c.ID(), Action: "batch", From: string(c.Status())}
	}
	if b.Contains(c.ID()) {
		return nil, errs.Conflict("claim %s is already in batch %s", c.ID(), b.number)
	}

	t := c.Totals()
	it := Item{
		ID:             uuid.New().String(),
		BatchID:        b.id,
		ClaimID:        c.ID(),
		VisitID:        c.VisitID(),
		ClaimAmount:    t.TotalClaimAmount,
		ApprovedAmount: t.ApprovedAmount,
		Status:         ItemPending,
		AddedAt:        time.Now().UTC(),
	}
	if err := b.record(EventClaimAdded, &itemData{Item: it, Delta: contribution(&it)}); err != nil {
		return nil, err
	}
	return &it, nil
}

// RemoveClaim drops a claim from a draft batch.
func (b *Batch) RemoveClaim(claimID string) error {
	if !b.Modifiable() {
		return b.invalid("remove claim from")
	}
	it := b.itemByClaim(claimID)
	if it == nil {
		return errs.NotFound("claim in batch", claimID)
	}
	removed := *it
	return b.record(EventClaimRemoved, &removedData{
		ItemID:  removed.ID,
		ClaimID: claimID,
		Delta:   Totals{}.Sub(contribution(&removed)),
	})
}

// Finalize seals a non-empty draft batch.
func (b *Batch) Finalize(actor string) error {
	if b.status != StatusDraft {
		return b.invalid("finalize")
	}
	if len(b.items) == 0 {
		return errs.Validation("items", "cannot finalize an empty batch")
	}
	return b.transition(EventBatchFinalized, StatusFinalized, actor, "", nil)
}

// MarkSubmitted records that the batch was sent to the payer.
func (b *Batch) MarkSubmitted(actor string) error {
	if b.status != StatusFinalized {
		return b.invalid("submit")
	}
	return b.transition(EventBatchSubmitted, StatusSubmitted, actor, "", nil)
}

// Response is the payer's answer for one claim.
type Response struct {
	ClaimID string          `json:"claim_id" validate:"required"`
	Outcome Outcome         `json:"outcome" validate:"required,oneof=approved rejected paid"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason,omitempty"`
	Date    time.Time       `json:"date"`
}

// CheckResponse validates a response against the current state without changing it.
func (b *Batch) CheckResponse(r Response) error {
	if b.status != StatusSubmitted && b.status != StatusProcessing {
		return b.invalid("record response for")
	}
	it := b.itemByClaim(r.ClaimID)
	if it == nil {
		return errs.NotFound("claim in batch", r.ClaimID)
	}
	switch r.Outcome {
	case OutcomeApproved:
		if it.Status != ItemPending {
			return &errs.InvalidTransitionError{Entity: "batch item", ID: it.ID, Action: "approve", From: string(it.Status)}
		}
		if r.Amount.IsNegative() {
			return errs.Validation("amount", "must not be negative")
		}
	case OutcomeRejected:
		if it.Status != ItemPending && it.Status != ItemApproved {
			return &errs.InvalidTransitionError{Entity: "batch item", ID: it.ID, Action: "reject", From: string(it.Status)}
		}
		if r.Reason == "" {
			return errs.Validation("reason", "is required for a rejection")
		}
	case OutcomePaid:
		if it.Status == ItemRejected {
			return &errs.InvalidTransitionError{Entity: "batch item", ID: it.ID, Action: "pay", From: string(it.Status)}
		}
		if !r.Amount.IsPositive() {
			return errs.Validation("amount", "must be positive")
		}
	default:
		return errs.Validation("outcome", "must be approved, rejected or paid")
	}
	return nil
}

// RecordResponse applies a payer response to one item. Once every item has an
// answer a submitted batch moves to processing.
func (b *Batch) RecordResponse(r Response, actor string) error {
	if err := b.CheckResponse(r); err != nil {
		return err
	}
	current := b.itemByClaim(r.ClaimID)
	next := *current
	now := time.Now().UTC()
	next.RespondedAt = &now

	switch r.Outcome {
	case OutcomeApproved:
		next.Status = ItemApproved
		next.ApprovedAmount = r.Amount
	case OutcomeRejected:
		next.Status = ItemRejected
		next.ApprovedAmount = decimal.Zero
		next.RejectionReason = r.Reason
	case OutcomePaid:
		next.Status = ItemPaid
		next.PaidAmount = next.PaidAmount.Add(r.Amount)
	}

	delta := contribution(&next).Sub(contribution(current))
	if err := b.record(EventResponseRecorded, &itemData{Item: next, Delta: delta}); err != nil {
		return err
	}
	if b.status == StatusSubmitted && b.allAnswered() {
		return b.transition(EventBatchProcessing, StatusProcessing, actor, "all claims answered", nil)
	}
	return nil
}

// MarkPaid records the payer's remittance for the batch.
func (b *Batch) MarkPaid(amount decimal.Decimal, date time.Time, actor string) error {
	if b.status != StatusSubmitted && b.status != StatusProcessing {
		return b.invalid("mark paid")
	}
	if !amount.IsPositive() {
		return errs.Validation("amount", "must be positive")
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return b.transition(EventBatchPaid, StatusPaid, actor, "", func(t *transitionData) {
		t.Amount = &amount
		t.PaymentDate = &date
	})
}

func (b *Batch) allAnswered() bool {
	for _, it := range b.items {
		if it.Status == ItemPending {
			return false
		}
	}
	return true
}

func (b *Batch) itemByClaim(claimID string) *Item {
	for _, it := range b.items {
		if it.ClaimID == claimID {
			return it
		}
	}
	return nil
}

func (b *Batch) invalid(action string) error {
	return &errs.InvalidTransitionError{Entity: "batch", ID: b.id, Action: action, From: string(b.status)}
}

func (b *Batch) transition(eventType EventType, to Status, actor, note string, fill func(*transitionData)) error {
	data := &transitionData{BatchID: b.id, From: b.status, To: to, Actor: actor, Note: note, Totals: b.totals}
	if fill != nil {
		fill(data)
	}
	return b.record(eventType, data)
}

func (b *Batch) record(eventType EventType, payload interface{}) error {
	event, err := NewEvent(b.id, eventType, payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	switch p := payload.(type) {
	case *transitionData:
		event.PreviousStatus, event.NewStatus = p.From, p.To
		event.Actor, event.Note = p.Actor, p.Note
	case *createdData:
		event.NewStatus = StatusDraft
		event.Actor = p.Actor
		event.Note = "batch created"
	}
	b.apply(event, payload)
	event.Version = b.version
	b.changes = append(b.changes, event)
	return nil
}

// apply applies an event to update state
func (b *Batch) apply(event *Event, payload interface{}) {
	b.version++
	b.updatedAt = event.Timestamp

	switch data := payload.(type) {
	case *createdData:
		b.number = data.Number
		b.name = data.Name
		b.period = data.Period
		b.status = StatusDraft
		b.createdBy = data.Actor
		b.createdAt = event.Timestamp
	case *itemData:
		if existing := b.itemByClaim(data.Item.ClaimID); existing != nil {
			*existing = data.Item
		} else {
			it := data.Item
			b.items = append(b.items, &it)
		}
		b.applyDelta(data.Delta)
	case *removedData:
		for i, it := range b.items {
			if it.ID == data.ItemID {
				b.items = append(b.items[:i], b.items[i+1:]...)
				break
			}
		}
		b.applyDelta(data.Delta)
	case *transitionData:
		at := event.Timestamp
		b.status = data.To
		switch event.EventType {
		case EventBatchFinalized:
			b.finalizedAt = &at
		case EventBatchSubmitted:
			b.submittedAt = &at
		case EventBatchPaid:
			b.remittedAmount = data.Amount
			b.paymentDate = data.PaymentDate
		}
	}
}

// applyDelta is the single writer of the batch totals.
func (b *Batch) applyDelta(d Totals) {
	b.totals = b.totals.Add(d)
}
