package dispensing

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-core/apotek-core/internal/fulfillment"
	"github.com/apotek-core/apotek-core/internal/ledger"
	"github.com/apotek-core/apotek-core/internal/platform/db"
)

// Unit exposes the fulfillment and ledger write surfaces over one
// database transaction so the status change and the stock movements
// commit or roll back together.
type Unit struct {
	Fulfillment fulfillment.TxRepository
	Ledger      ledger.TxRepository
}

// Store opens a transactional unit of work.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Unit) error) error
}

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// WithTx runs fn inside one transaction spanning both domains.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, Unit) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, Unit{
			Fulfillment: fulfillment.NewTxRepository(tx),
			Ledger:      ledger.NewTxRepository(tx),
		})
	})
}
