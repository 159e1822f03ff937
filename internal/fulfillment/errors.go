package fulfillment

import (
	"errors"
	"fmt"
)

// Domain errors for fulfillment entries.
var (
	// ErrNotFound indicates the requested entry was not found.
	ErrNotFound = errors.New("fulfillment: entry not found")

	// ErrInvalidTransition indicates the requested transition is not
	// valid from the entry's current status, including stale-state races
	// where another terminal advanced the entry first. Callers inspect
	// the wrapping TransitionError for the current status and operator.
	ErrInvalidTransition = errors.New("fulfillment: invalid state transition")

	// Validation errors. Rejected before any state mutation.
	ErrVisitRefRequired        = errors.New("fulfillment: visit reference is required")
	ErrPatientNameRequired     = errors.New("fulfillment: patient name is required")
	ErrOperatorRequired        = errors.New("fulfillment: operator name is required")
	ErrEmptyPrescriptions      = errors.New("fulfillment: at least one prescription is required")
	ErrEmptyItems              = errors.New("fulfillment: at least one item is required")
	ErrInvalidPrescriptionType = errors.New("fulfillment: invalid prescription type")
	ErrSharedDosageRequired    = errors.New("fulfillment: compound prescription requires a shared dosage")
	ErrSharedDosageNotAllowed  = errors.New("fulfillment: shared dosage only applies to compound prescriptions")
	ErrDrugRequired            = errors.New("fulfillment: item needs a catalog product or a drug name")
	ErrDosageRequired          = errors.New("fulfillment: item dosage is required")
	ErrInvalidQuantity         = errors.New("fulfillment: quantity must be positive")

	// ErrDuplicateVisit indicates the visit already has an entry.
	ErrDuplicateVisit = errors.New("fulfillment: visit already enqueued")
)

// TransitionError carries the entry's current state so the caller can
// re-synchronize. On a lost claim race it also names the pharmacist who
// holds the entry, for the "already claimed, continue?" confirmation.
type TransitionError struct {
	EntryID          int64
	Requested        Status
	Current          Status
	AssignedOperator string
}

func (e *TransitionError) Error() string {
	if e.AssignedOperator != "" {
		return fmt.Sprintf("fulfillment: invalid state transition to %s: entry %d is %s (operator %s)", e.Requested, e.EntryID, e.Current, e.AssignedOperator)
	}
	return fmt.Sprintf("fulfillment: invalid state transition to %s: entry %d is %s", e.Requested, e.EntryID, e.Current)
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
