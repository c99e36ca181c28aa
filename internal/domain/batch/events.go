package batch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of batch event
type EventType string

const (
	EventBatchCreated     EventType = "BatchCreated"
	EventClaimAdded       EventType = "BatchClaimAdded"
	EventClaimRemoved     EventType = "BatchClaimRemoved"
	EventBatchFinalized   EventType = "BatchFinalized"
	EventBatchSubmitted   EventType = "BatchSubmitted"
	EventResponseRecorded EventType = "BatchResponseRecorded"
	EventBatchProcessing  EventType = "BatchProcessing"
	EventBatchPaid        EventType = "BatchPaid"
)

// Event represents a batch domain event
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
		AggregateType: "ClaimBatch",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// StatusChange is one append-only history entry.
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
		out = append(out, StatusChange{Previous: e.PreviousStatus, New: e.NewStatus, Note: e.Note, Actor: e.Actor, At: e.Timestamp})
	}
	return out
}

type createdData struct {
	BatchID string    `json:"batch_id"`
	Number  string    `json:"number"`
	Name    string    `json:"name"`
	Period  time.Time `json:"period"`
	Actor   string    `json:"actor,omitempty"`
}

type itemData struct {
	Item  Item   `json:"item"`
	Delta Totals `json:"delta"`
}

type removedData struct {
	ItemID  string `json:"item_id"`
	ClaimID string `json:"claim_id"`
	Delta   Totals `json:"delta"`
}

type transitionData struct {
	BatchID     string           `json:"batch_id"`
	From        Status           `json:"from"`
	To          Status           `json:"to"`
	Actor       string           `json:"actor,omitempty"`
	Note        string           `json:"note,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PaymentDate *time.Time       `json:"payment_date,omitempty"`
	Totals      Totals           `json:"totals"`
}
