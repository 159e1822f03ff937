package ledger

import (
	"errors"
	"time"
)

// Direction enumerates movement directions.
type Direction string

const (
	// DirectionIn represents an inbound movement.
	DirectionIn Direction = "IN"
	// DirectionOut represents an outbound movement.
	DirectionOut Direction = "OUT"
)

// IsValid checks the direction value.
func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Reason classifies why stock moved.
type Reason string

const (
	ReasonPurchase   Reason = "PURCHASE"
	ReasonReturn     Reason = "RETURN"
	ReasonAdjustment Reason = "ADJUSTMENT"
	ReasonSale       Reason = "SALE"
	ReasonExpired    Reason = "EXPIRED"
	ReasonDamaged    Reason = "DAMAGED"
	ReasonInitial    Reason = "INITIAL"
)

// IsValid checks the reason value.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonPurchase, ReasonReturn, ReasonAdjustment, ReasonSale, ReasonExpired, ReasonDamaged, ReasonInitial:
		return true
	default:
		return false
	}
}

// Movement is one append-only ledger row. Movements are immutable once
// posted; corrections are made by posting an offsetting ADJUSTMENT.
// EntryID/ItemID trace the movement back to the fulfillment entry and
// prescription item that caused it (zero when posted manually).
type Movement struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	Direction Direction `json:"direction"`
	Quantity  int64     `json:"quantity"`
	Reason    Reason    `json:"reason"`
	Note      string    `json:"note,omitempty"`
	EntryID   int64     `json:"entry_id,omitempty"`
	ItemID    int64     `json:"item_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
}

// Signed returns the quantity with its direction applied.
func (m Movement) Signed() int64 {
	if m.Direction == DirectionOut {
		return -m.Quantity
	}
	return m.Quantity
}

// PostInput groups movements posted as one atomic unit. Code, when set,
// is an externally supplied document code checked for idempotency.
type PostInput struct {
	Code      string
	Actor     string
	Movements []Movement
}

// HistoryFilter filters movement listings.
type HistoryFilter struct {
	ProductID int64
	EntryID   int64
	Limit     int
}

var (
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrInvalidDirection indicates an unknown direction.
	ErrInvalidDirection = errors.New("ledger: invalid direction")
	// ErrInvalidReason indicates an unknown reason code.
	ErrInvalidReason = errors.New("ledger: invalid reason code")
	// ErrEmptyPost indicates a post without movements.
	ErrEmptyPost = errors.New("ledger: at least one movement is required")
	// ErrProductNotFound indicates a movement references a missing product.
	ErrProductNotFound = errors.New("ledger: product not found")
	// ErrInconsistent indicates the cached stock disagrees with the sum
	// of posted movements. The post aborts; the mismatch needs manual
	// reconciliation.
	ErrInconsistent = errors.New("ledger: cached stock does not match movement sum")
)
