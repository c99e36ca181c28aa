package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Command is a charge lifecycle change consumed by Service.Dispatch.
type Command interface {
	Name() string
	Source() Charge
}

// ChargeCreated records a new billable charge.
type ChargeCreated struct {
	Charge Charge
}

// ChargeAmended records a change to an existing charge's amount or quantity.
type ChargeAmended struct {
	Charge         Charge
	PreviousAmount decimal.Decimal
}

// ChargeVoided records a cancelled charge.
type ChargeVoided struct {
	Charge Charge
}

func (c ChargeCreated) Name() string { return TypeChargeCreated }
func (c ChargeCreated) Source() Charge { return c.Charge }
func (c ChargeAmended) Name() string { return TypeChargeAmended }
func (c ChargeAmended) Source() Charge { return c.Charge }
func (c ChargeVoided) Name() string { return TypeChargeVoided }
func (c ChargeVoided) Source() Charge { return c.Charge }

// Wire names of the charge event types.
const (
	TypeChargeCreated = "charge.created"
	TypeChargeAmended = "charge.amended"
	TypeChargeVoided  = "charge.voided"
)

// ChargeEvent is the JSON envelope billing publishes for each charge change.
type ChargeEvent struct {
	EventID        string           `json:"event_id" validate:"required"`
	Type           string           `json:"type" validate:"required,oneof=charge.created charge.amended charge.voided"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Charge         Charge           `json:"charge" validate:"-"`
	PreviousAmount *decimal.Decimal `json:"previous_amount,omitempty"`
}

var validate = validator.New()

// DecodeChargeEvent parses and validates an envelope and returns its command.
func DecodeChargeEvent(data []byte) (ChargeEvent, Command, error) {
	var ev ChargeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, nil, errs.Validation("", fmt.Sprintf("malformed charge event: %v", err))
	}
	if err := validateStruct(ev); err != nil {
		return ev, nil, err
	}
	cmd, err := ev.Command()
	return ev, cmd, err
}

// Command converts the envelope into a typed command.
func (e ChargeEvent) Command() (Command, error) {
	if e.Charge.ChargedAt.IsZero() {
		e.Charge.ChargedAt = e.OccurredAt
	}
	switch e.Type {
	case TypeChargeCreated:
		if err := ValidateCharge(e.Charge); err != nil {
			return nil, err
		}
		return ChargeCreated{Charge: e.Charge}, nil
	case TypeChargeAmended:
		if err := ValidateCharge(e.Charge); err != nil {
			return nil, err
		}
		cmd := ChargeAmended{Charge: e.Charge}
		if e.PreviousAmount != nil {
			cmd.PreviousAmount = *e.PreviousAmount
		}
		return cmd, nil
	case TypeChargeVoided:
		if e.Charge.ID == "" {
			return nil, errs.Validation("charge.id", "is required")
		}
		return ChargeVoided{Charge: e.Charge}, nil
	}
	return nil, errs.Validation("type", "unknown charge event type "+e.Type)
}

// ValidateCharge checks the fields needed to price a charge.
func ValidateCharge(ch Charge) error {
	if err := validateStruct(ch); err != nil {
		return err
	}
	if ch.BilledAmount.IsNegative() {
		return errs.Validation("charge.billed_amount", "must not be negative")
	}
	return nil
}

func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errs.Validation(fe.Namespace(), fmt.Sprintf("failed %q constraint", fe.Tag()))
	}
	return errs.Validation("", err.Error())
}
