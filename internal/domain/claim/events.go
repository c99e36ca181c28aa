package claim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// EventType represents the type of claim event
type EventType string

const (
	EventClaimOpened        EventType = "ClaimOpened"
	EventLineItemAdded      EventType = "LineItemAdded"
	EventLineItemAmended    EventType = "LineItemAmended"
	EventLineItemRemoved    EventType = "LineItemRemoved"
	EventLineItemsReviewed  EventType = "LineItemsReviewed"
	EventVettingRequested   EventType = "ClaimVettingRequested"
	EventClaimVetted        EventType = "ClaimVetted"
	EventClaimSubmitted     EventType = "ClaimSubmitted"
	EventClaimApproved      EventType = "ClaimApproved"
	EventClaimRejected      EventType = "ClaimRejected"
	EventClaimPaid          EventType = "ClaimPaid"
	EventClaimPartiallyPaid EventType = "ClaimPartiallyPaid"
	EventClaimResubmitted   EventType = "ClaimResubmitted"
	EventClaimCancelled     EventType = "ClaimCancelled"
	EventClaimFlagged       EventType = "ClaimFlagged"
	EventClaimRepaired      EventType = "ClaimRepaired"
)

// Published reports whether the event leaves the service through the outbox.
func (t EventType) Published() bool {
	switch t {
	case EventClaimOpened, EventLineItemAdded, EventLineItemAmended, EventLineItemRemoved, EventLineItemsReviewed:
		return false
	}
	return true
}

// Event represents a claim domain event
type Event struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      EventType       `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Version        int             `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	Actor          string          `json:"actor,omitempty"`
	PreviousStatus Status          `json:"previous_status,omitempty"`
	NewStatus      Status          `json:"new_status,omitempty"`
	Note           string          `json:"note,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Claim",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithTransition sets the status history fields
func (e *Event) WithTransition(from, to Status, note, actor string) *Event {
	e.PreviousStatus = from
	e.NewStatus = to
	e.Note = note
	e.Actor = actor
	return e
}

// StatusChange is one append-only status history entry.
type StatusChange struct {
	Previous Status    `json:"previous_status"`
	New      Status    `json:"new_status"`
	Note     string    `json:"note,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// HistoryFrom extracts the status history from an event stream.
func HistoryFrom(events []*Event) []StatusChange {
	var out []StatusChange
	for _, e := range events {
		if e.NewStatus == "" {
			continue
		}
		out = append(out, StatusChange{
			Previous: e.PreviousStatus,
			New:      e.NewStatus,
			Note:     e.Note,
			Actor:    e.Actor,
			At:       e.Timestamp,
		})
	}
	return out
}

// ClaimOpenedData contains claim creation details
type ClaimOpenedData struct {
	ClaimID   string `json:"claim_id"`
	VisitID   string `json:"visit_id"`
	PatientID string `json:"patient_id,omitempty"`
	PlanID    string `json:"plan_id"`
}

// LineItemChangedData carries a line item's new state and the aggregate delta it caused.
type LineItemChangedData struct {
	Item  LineItem `json:"item"`
	Delta Totals   `json:"delta"`
}

// LineItemRemovedData identifies the removed item and the delta applied.
type LineItemRemovedData struct {
	LineItemID string `json:"line_item_id"`
	ChargeID   string `json:"charge_id"`
	Delta      Totals `json:"delta"`
}

// LineItemsReviewedData carries the items whose approval or shares changed during vetting.
type LineItemsReviewedData struct {
	Items []LineItem `json:"items"`
	Delta Totals     `json:"delta"`
}

// TransitionData is the payload of every status transition.
type TransitionData struct {
	ClaimID     string           `json:"claim_id"`
	VisitID     string           `json:"visit_id"`
	From        Status           `json:"from"`
	To          Status           `json:"to"`
	Actor       string           `json:"actor,omitempty"`
	Note        string           `json:"note,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PaymentDate *time.Time       `json:"payment_date,omitempty"`
	Totals      Totals           `json:"totals"`
}

// FlaggedData records why a claim was held for manual review.
type FlaggedData struct {
	Reason string      `json:"reason"`
	Drifts []errs.Drift `json:"drifts,omitempty"`
}

// RepairedData records the aggregates before and after a repair.
type RepairedData struct {
	Before Totals `json:"before"`
	After  Totals `json:"after"`
	Actor  string `json:"actor,omitempty"`
}
