package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-core/apotek-core/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the posting
// logic. The dispensing coordinator reuses it over its own transaction.
type TxRepository interface {
	GetStockForUpdate(ctx context.Context, productID int64) (int64, error)
	SumMovements(ctx context.Context, productID int64) (int64, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	SetStock(ctx context.Context, productID, stock int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction. Used when a caller owns the
// transaction boundary, such as the dispensing coordinator.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const movementColumns = `id, product_id, direction, quantity, reason, note, COALESCE(entry_id, 0), COALESCE(item_id, 0), actor, posted_at`

// History lists movements, newest first.
func (r *Repository) History(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements
WHERE ($1=0 OR product_id=$1) AND ($2=0 OR entry_id=$2)
ORDER BY posted_at DESC, id DESC
LIMIT $3`, filter.ProductID, filter.EntryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Direction, &m.Quantity, &m.Reason, &m.Note, &m.EntryID, &m.ItemID, &m.Actor, &m.PostedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (r *txRepository) GetStockForUpdate(ctx context.Context, productID int64) (int64, error) {
	var stock int64
	err := r.tx.QueryRow(ctx, `SELECT current_stock FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, err
	}
	return stock, nil
}

func (r *txRepository) SumMovements(ctx context.Context, productID int64) (int64, error) {
	var sum int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN direction='OUT' THEN -quantity ELSE quantity END), 0)
FROM stock_movements WHERE product_id=$1`, productID).Scan(&sum)
	return sum, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, direction, quantity, reason, note, entry_id, item_id, actor, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		m.ProductID, string(m.Direction), m.Quantity, string(m.Reason), m.Note, nullInt(m.EntryID), nullInt(m.ItemID), m.Actor, m.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) SetStock(ctx context.Context, productID, stock int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET current_stock=$1, updated_at=NOW() WHERE id=$2`, stock, productID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
