// Package errs holds the error taxonomy shared by the coverage, claim and batch domains.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
)

// ValidationError reports malformed input. No state is changed when it is returned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation is shorthand for &ValidationError{Field: field, Msg: msg}.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// InvalidTransitionError is returned when an operation is attempted from a state
// that does not allow it.
type InvalidTransitionError struct {
	Entity string
	ID     string
	Action string
	From   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s %s in status %q", e.Action, e.Entity, e.ID, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Drift is the difference between a stored aggregate and the re-summed line items.
type Drift struct {
	Field    string          `json:"field"`
	Stored   decimal.Decimal `json:"stored"`
	Computed decimal.Decimal `json:"computed"`
}

// LedgerInconsistencyError means a claim's aggregates no longer match its line items.
// The claim is held for manual review until repaired.
type LedgerInconsistencyError struct {
	ClaimID string
	Drifts  []Drift
	Reason  string
}

func (e *LedgerInconsistencyError) Error() string {
	if len(e.Drifts) == 0 {
		return fmt.Sprintf("ledger inconsistency on claim %s: %s", e.ClaimID, e.Reason)
	}
	parts := make([]string, 0, len(e.Drifts))
	for _, d := range e.Drifts {
		parts = append(parts, fmt.Sprintf("%s stored=%s computed=%s", d.Field, d.Stored.StringFixed(2), d.Computed.StringFixed(2)))
	}
	return fmt.Sprintf("ledger inconsistency on claim %s: %s", e.ClaimID, strings.Join(parts, "; "))
}

func (e *LedgerInconsistencyError) Is(target error) bool { return target == ErrLedgerInconsistency }

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Conflict wraps ErrConflict with a description.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Code names the class of err for metrics and logs.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrLedgerInconsistency):
		return "inconsistent"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "error"
}
