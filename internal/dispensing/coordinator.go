package dispensing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apotek-core/apotek-core/internal/fulfillment"
	"github.com/apotek-core/apotek-core/internal/ledger"
	"github.com/apotek-core/apotek-core/internal/shared"
)

// EntryLoader loads a fulfillment entry with its prescriptions.
type EntryLoader interface {
	GetByID(ctx context.Context, id int64) (*fulfillment.Entry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records dispensing counters.
type MetricsPort interface {
	RecordMovement(direction, reason string)
	RecordNegativeStock()
}

// Coordinator performs the READY to DISPENSED hand-over: one
// transaction flips the entry status, records the transition and posts
// one OUT/SALE movement per stock-linked prescription item. Free-text
// items have no ledger presence and are skipped.
type Coordinator struct {
	logger  *slog.Logger
	store   Store
	entries EntryLoader
	audit   AuditPort
	metrics MetricsPort
}

// NewCoordinator builds Coordinator.
func NewCoordinator(logger *slog.Logger, store Store, entries EntryLoader, audit AuditPort, metrics MetricsPort) *Coordinator {
	return &Coordinator{logger: logger, store: store, entries: entries, audit: audit, metrics: metrics}
}

// Dispense implements fulfillment.DispenserPort.
func (c *Coordinator) Dispense(ctx context.Context, entryID int64, actor string) (ledger.PostResult, error) {
	entry, err := c.entries.GetByID(ctx, entryID)
	if err != nil {
		return ledger.PostResult{}, err
	}

	// Prescriptions are immutable after hand-off, so the movement list
	// can be built before the transaction opens. The status itself is
	// re-checked under the row lock below.
	now := time.Now().UTC()
	movements := buildMovements(entry, actor, now)

	var result ledger.PostResult
	err = c.store.WithTx(ctx, func(ctx context.Context, unit Unit) error {
		current, holder, err := unit.Fulfillment.GetStateForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if !current.CanDispense() {
			return &fulfillment.TransitionError{EntryID: entryID, Requested: fulfillment.StatusDispensed, Current: current, AssignedOperator: holder}
		}
		ok, err := unit.Fulfillment.MarkDispensed(ctx, entryID, now)
		if err != nil {
			return err
		}
		if !ok {
			return &fulfillment.TransitionError{EntryID: entryID, Requested: fulfillment.StatusDispensed, Current: current, AssignedOperator: holder}
		}
		if err := unit.Fulfillment.InsertTransition(ctx, fulfillment.Transition{
			EntryID:    entryID,
			From:       fulfillment.StatusReady,
			To:         fulfillment.StatusDispensed,
			Actor:      actor,
			OccurredAt: now,
		}); err != nil {
			return err
		}

		posted, negatives, err := ledger.PostWithinTx(ctx, unit.Ledger, movements)
		if err != nil {
			return err
		}
		result = ledger.PostResult{Movements: posted, NegativeProducts: negatives}
		return nil
	})
	if err != nil {
		return ledger.PostResult{}, err
	}

	c.afterDispense(ctx, entry, actor, result)
	return result, nil
}

// buildMovements derives the OUT movements for one entry. Items without
// a product link (free-text drugs) are outside the tracked inventory.
func buildMovements(entry *fulfillment.Entry, actor string, at time.Time) []ledger.Movement {
	var out []ledger.Movement
	for _, prescription := range entry.Prescriptions {
		for _, item := range prescription.Items {
			if item.ProductID == 0 {
				continue
			}
			out = append(out, ledger.Movement{
				ProductID: item.ProductID,
				Direction: ledger.DirectionOut,
				Quantity:  item.Quantity,
				Reason:    ledger.ReasonSale,
				Note:      fmt.Sprintf("penyerahan resep antrean %d", entry.QueueNumber),
				EntryID:   entry.ID,
				ItemID:    item.ID,
				Actor:     actor,
				PostedAt:  at,
			})
		}
	}
	return out
}

func (c *Coordinator) afterDispense(ctx context.Context, entry *fulfillment.Entry, actor string, result ledger.PostResult) {
	if c.metrics != nil {
		for _, m := range result.Movements {
			c.metrics.RecordMovement(string(m.Direction), string(m.Reason))
		}
		for range result.NegativeProducts {
			c.metrics.RecordNegativeStock()
		}
	}
	for _, productID := range result.NegativeProducts {
		c.logger.Warn("stok produk menjadi negatif setelah penyerahan",
			slog.Int64("entry_id", entry.ID),
			slog.Int64("product_id", productID))
	}
	if c.audit != nil {
		productIDs := make([]int64, 0, len(result.Movements))
		for _, m := range result.Movements {
			productIDs = append(productIDs, m.ProductID)
		}
		_ = c.audit.Record(ctx, shared.AuditLog{
			Actor:    strings.TrimSpace(actor),
			Action:   "dispensing:dispense",
			Entity:   "fulfillment_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"movement_count":    len(result.Movements),
				"product_ids":       productIDs,
				"negative_products": result.NegativeProducts,
			},
		})
	}
}
