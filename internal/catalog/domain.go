package catalog

import (
	"errors"
	"time"
)

// Product is a drug catalog entry. CurrentStock is a materialized cache
// of the stock ledger; it is written only inside ledger transactions and
// read here as an O(1) counter.
type Product struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Unit         string    `json:"unit"`
	CurrentStock int64     `json:"current_stock"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListFilter filters product listings.
type ListFilter struct {
	Search  string
	Page    int
	PerPage int
}

// ErrProductNotFound indicates a missing catalog entry.
var ErrProductNotFound = errors.New("catalog: product not found")
