package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-core/apotek-core/internal/platform/db"
)

// Repository persists fulfillment entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fulfillment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entryColumns = `id, visit_ref, patient_name, queue_date, queue_number, status, assigned_operator, enqueued_at, claimed_at, ready_at, dispensed_at, updated_at`

// Create inserts a new WAITING entry with its prescriptions and items,
// assigning the next queue number for the day. Two physicians finalizing
// visits at the same time race on the number; the loser retries on the
// unique violation.
func (r *Repository) Create(ctx context.Context, input CreateInput) (int64, error) {
	var entryID int64
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO fulfillment_entries
(visit_ref, patient_name, queue_date, queue_number, status, assigned_operator, enqueued_at, updated_at)
SELECT $1, $2, CURRENT_DATE, COALESCE(MAX(queue_number), 0) + 1, $3, '', $4, $4
FROM fulfillment_entries WHERE queue_date = CURRENT_DATE
RETURNING id`, input.VisitRef, input.PatientName, string(StatusWaiting), now).Scan(&id)
			if err != nil {
				return err
			}
			for pi, p := range input.Prescriptions {
				var prescriptionID int64
				err := tx.QueryRow(ctx, `INSERT INTO prescriptions (entry_id, type, shared_dosage, line_order)
VALUES ($1,$2,$3,$4) RETURNING id`, id, string(p.Type), p.SharedDosage, pi+1).Scan(&prescriptionID)
				if err != nil {
					return err
				}
				for ii, item := range p.Items {
					if _, err := tx.Exec(ctx, `INSERT INTO prescription_items (prescription_id, product_id, drug_name, dosage, quantity, line_order)
VALUES ($1,$2,$3,$4,$5,$6)`, prescriptionID, nullInt(item.ProductID), item.DrugName, item.Dosage, item.Quantity, ii+1); err != nil {
						return err
					}
				}
			}
			if _, err := tx.Exec(ctx, `INSERT INTO fulfillment_transitions (entry_id, from_status, to_status, actor, occurred_at)
VALUES ($1,'',$2,$3,$4)`, id, string(StatusWaiting), input.Actor, now); err != nil {
				return err
			}
			entryID = id
			return nil
		})
		if err == nil {
			return entryID, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "fulfillment_entries_visit_ref_key" {
				return 0, ErrDuplicateVisit
			}
			lastErr = err
			continue // lost the queue number race, take the next one
		}
		return 0, err
	}
	return 0, lastErr
}

// GetByID loads one entry with its prescriptions and items.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Entry, error) {
	if r == nil {
		return nil, errors.New("fulfillment repository not initialised")
	}
	var e Entry
	err := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM fulfillment_entries WHERE id=$1`, id).
		Scan(&e.ID, &e.VisitRef, &e.PatientName, &e.QueueDate, &e.QueueNumber, &e.Status, &e.AssignedOperator,
			&e.EnqueuedAt, &e.ClaimedAt, &e.ReadyAt, &e.DispensedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	prescriptions, err := r.loadPrescriptions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Prescriptions = prescriptions
	return &e, nil
}

func (r *Repository) loadPrescriptions(ctx context.Context, entryID int64) ([]Prescription, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, entry_id, type, shared_dosage, line_order
FROM prescriptions WHERE entry_id=$1 ORDER BY line_order ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prescriptions := []Prescription{}
	for rows.Next() {
		var p Prescription
		if err := rows.Scan(&p.ID, &p.EntryID, &p.Type, &p.SharedDosage, &p.LineOrder); err != nil {
			return nil, err
		}
		prescriptions = append(prescriptions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range prescriptions {
		items, err := r.loadItems(ctx, prescriptions[i].ID)
		if err != nil {
			return nil, err
		}
		prescriptions[i].Items = items
	}
	return prescriptions, nil
}

func (r *Repository) loadItems(ctx context.Context, prescriptionID int64) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, prescription_id, COALESCE(product_id, 0), drug_name, dosage, quantity, line_order
FROM prescription_items WHERE prescription_id=$1 ORDER BY line_order ASC`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.PrescriptionID, &item.ProductID, &item.DrugName, &item.Dosage, &item.Quantity, &item.LineOrder); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Transitions returns the status audit trail for one entry.
func (r *Repository) Transitions(ctx context.Context, entryID int64) ([]Transition, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, entry_id, from_status, to_status, actor, occurred_at
FROM fulfillment_transitions WHERE entry_id=$1 ORDER BY occurred_at ASC, id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := []Transition{}
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.EntryID, &t.From, &t.To, &t.Actor, &t.OccurredAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Snapshot lists queue rows for the view builder, ordered by operational
// urgency then ascending queue number.
func (r *Repository) Snapshot(ctx context.Context, filter SnapshotFilter) ([]QueueItem, error) {
	status := ""
	if filter.Status != "" {
		status = string(filter.Status)
	}
	rows, err := r.pool.Query(ctx, `SELECT e.id, e.visit_ref, e.patient_name, e.queue_number, e.status, e.assigned_operator, e.enqueued_at,
  COUNT(DISTINCT p.id) AS prescription_count,
  COUNT(i.id) AS item_count
FROM fulfillment_entries e
LEFT JOIN prescriptions p ON p.entry_id = e.id
LEFT JOIN prescription_items i ON i.prescription_id = p.id
WHERE e.queue_date = CURRENT_DATE
  AND ($1 = '' OR e.status = $1)
  AND ($2 = '' OR e.patient_name ILIKE '%' || $2 || '%' OR e.queue_number::text = $2)
GROUP BY e.id
ORDER BY CASE e.status WHEN 'PREPARING' THEN 0 WHEN 'READY' THEN 1 WHEN 'WAITING' THEN 2 ELSE 3 END,
  e.queue_number ASC`, status, filter.Search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []QueueItem{}
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.VisitRef, &item.PatientName, &item.QueueNumber, &item.Status, &item.AssignedOperator, &item.EnqueuedAt, &item.PrescriptionCount, &item.ItemCount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TxRepository exposes transactional operations used by transitions. The
// dispensing coordinator reuses it over its own transaction.
type TxRepository interface {
	// GetStateForUpdate locks the entry row and returns its current
	// status and assigned operator.
	GetStateForUpdate(ctx context.Context, id int64) (Status, string, error)
	// Claim moves WAITING to PREPARING; false when the guard fails.
	Claim(ctx context.Context, id int64, operator string, at time.Time) (bool, error)
	// MarkReady moves PREPARING to READY; false when the guard fails.
	MarkReady(ctx context.Context, id int64, at time.Time) (bool, error)
	// MarkDispensed moves READY to DISPENSED; false when the guard fails.
	MarkDispensed(ctx context.Context, id int64, at time.Time) (bool, error)
	// InsertTransition appends one status audit row.
	InsertTransition(ctx context.Context, t Transition) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction for callers that own the
// transaction boundary.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetStateForUpdate(ctx context.Context, id int64) (Status, string, error) {
	var status Status
	var operator string
	err := r.tx.QueryRow(ctx, `SELECT status, assigned_operator FROM fulfillment_entries WHERE id=$1 FOR UPDATE`, id).
		Scan(&status, &operator)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", err
	}
	return status, operator, nil
}

// Claim is a compare-and-set: the WHERE clause revalidates the status so
// two racing terminals get exactly one winner.
func (r *txRepository) Claim(ctx context.Context, id int64, operator string, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE fulfillment_entries
SET status=$1, assigned_operator=$2, claimed_at=$3, updated_at=$3
WHERE id=$4 AND status=$5`, string(StatusPreparing), operator, at, id, string(StatusWaiting))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) MarkReady(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE fulfillment_entries
SET status=$1, ready_at=$2, updated_at=$2
WHERE id=$3 AND status=$4`, string(StatusReady), at, id, string(StatusPreparing))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) MarkDispensed(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE fulfillment_entries
SET status=$1, dispensed_at=$2, updated_at=$2
WHERE id=$3 AND status=$4`, string(StatusDispensed), at, id, string(StatusReady))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) InsertTransition(ctx context.Context, t Transition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO fulfillment_transitions (entry_id, from_status, to_status, actor, occurred_at)
VALUES ($1,$2,$3,$4,$5)`, t.EntryID, string(t.From), string(t.To), t.Actor, t.OccurredAt)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
