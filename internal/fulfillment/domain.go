// Package fulfillment tracks a prescription order through the pharmacy
// queue: handed off by the physician, claimed by a pharmacist, prepared,
// and finally dispensed against the stock ledger.
package fulfillment

import (
	"time"
)

// Status represents the lifecycle of a fulfillment entry. Transitions
// only move forward and never skip a state.
type Status string

const (
	StatusWaiting   Status = "WAITING"   // Created by physician hand-off
	StatusPreparing Status = "PREPARING" // Claimed by a pharmacist
	StatusReady     Status = "READY"     // Prepared, awaiting hand-out
	StatusDispensed Status = "DISPENSED" // Handed out, ledger posted; terminal
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusPreparing, StatusReady, StatusDispensed:
		return true
	default:
		return false
	}
}

// CanClaim checks if the entry can be claimed.
func (s Status) CanClaim() bool {
	return s == StatusWaiting
}

// CanMarkReady checks if the entry can be marked ready.
func (s Status) CanMarkReady() bool {
	return s == StatusPreparing
}

// CanDispense checks if the entry can be dispensed.
func (s Status) CanDispense() bool {
	return s == StatusReady
}

// QueuePriority orders statuses by operational urgency for the ungrouped
// queue view: preparing first, dispensed last.
func (s Status) QueuePriority() int {
	switch s {
	case StatusPreparing:
		return 0
	case StatusReady:
		return 1
	case StatusWaiting:
		return 2
	case StatusDispensed:
		return 3
	default:
		return 4
	}
}

// PrescriptionType classifies one prescribed course.
type PrescriptionType string

const (
	TypeMain        PrescriptionType = "MAIN"
	TypeAlternative PrescriptionType = "ALTERNATIVE"
	TypeFollowUp    PrescriptionType = "FOLLOW_UP"
	// TypeCompound is a mixed preparation: one shared dosage applies to
	// all its items instead of per-item dosage.
	TypeCompound PrescriptionType = "COMPOUND"
)

// IsValid checks the prescription type.
func (t PrescriptionType) IsValid() bool {
	switch t {
	case TypeMain, TypeAlternative, TypeFollowUp, TypeCompound:
		return true
	default:
		return false
	}
}

// Entry is one clinical visit's pharmacy order. Entries are never hard
// deleted; DISPENSED is terminal and retained for history.
type Entry struct {
	ID               int64     `json:"id"`
	VisitRef         string    `json:"visit_ref"`
	PatientName      string    `json:"patient_name"`
	QueueDate        time.Time `json:"queue_date"`
	QueueNumber      int       `json:"queue_number"`
	Status           Status    `json:"status"`
	AssignedOperator string    `json:"assigned_operator,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	DispensedAt *time.Time `json:"dispensed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Prescriptions []Prescription `json:"prescriptions,omitempty"`
}

// Prescription is one prescribed course owned by an entry.
type Prescription struct {
	ID      int64            `json:"id"`
	EntryID int64            `json:"entry_id"`
	Type    PrescriptionType `json:"type"`
	// SharedDosage is set only for COMPOUND prescriptions.
	SharedDosage string `json:"shared_dosage,omitempty"`
	LineOrder    int    `json:"line_order"`
	Items        []Item `json:"items"`
}

// Item is one line item. Either ProductID links a catalog product or
// DrugName carries a free-text drug; free-text items have no stock
// effect on dispensing.
type Item struct {
	ID             int64  `json:"id"`
	PrescriptionID int64  `json:"prescription_id"`
	ProductID      int64  `json:"product_id,omitempty"`
	DrugName       string `json:"drug_name,omitempty"`
	Dosage         string `json:"dosage,omitempty"`
	Quantity       int64  `json:"quantity"`
	LineOrder      int    `json:"line_order"`
}

// Transition is one audit row recording a status change.
type Transition struct {
	ID         int64     `json:"id"`
	EntryID    int64     `json:"entry_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CreateInput describes a physician hand-off.
type CreateInput struct {
	VisitRef      string
	PatientName   string
	Actor         string
	Prescriptions []PrescriptionInput
}

// PrescriptionInput is one prescribed course in a hand-off.
type PrescriptionInput struct {
	Type         PrescriptionType
	SharedDosage string
	Items        []ItemInput
}

// ItemInput is one line item in a hand-off.
type ItemInput struct {
	ProductID int64
	DrugName  string
	Dosage    string
	Quantity  int64
}

// Validate rejects a hand-off before any state mutation.
func (in CreateInput) Validate() error {
	if in.VisitRef == "" {
		return ErrVisitRefRequired
	}
	if in.PatientName == "" {
		return ErrPatientNameRequired
	}
	if len(in.Prescriptions) == 0 {
		return ErrEmptyPrescriptions
	}
	for _, p := range in.Prescriptions {
		if !p.Type.IsValid() {
			return ErrInvalidPrescriptionType
		}
		if p.Type == TypeCompound && p.SharedDosage == "" {
			return ErrSharedDosageRequired
		}
		if p.Type != TypeCompound && p.SharedDosage != "" {
			return ErrSharedDosageNotAllowed
		}
		if len(p.Items) == 0 {
			return ErrEmptyItems
		}
		for _, item := range p.Items {
			if item.ProductID <= 0 && item.DrugName == "" {
				return ErrDrugRequired
			}
			if item.Quantity <= 0 {
				return ErrInvalidQuantity
			}
			if p.Type != TypeCompound && item.Dosage == "" {
				return ErrDosageRequired
			}
		}
	}
	return nil
}
