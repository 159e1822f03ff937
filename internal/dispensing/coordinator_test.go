package dispensing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apotek-core/apotek-core/internal/fulfillment"
	"github.com/apotek-core/apotek-core/internal/ledger"
)

var errLedgerDown = errors.New("ledger unavailable")

// memState backs both sides of the unit of work with snapshot/rollback
// semantics, so a failure on one side must be invisible on the other.
type memState struct {
	mu          sync.Mutex
	entry       *fulfillment.Entry
	transitions []fulfillment.Transition
	stock       map[int64]int64
	moves       map[int64][]ledger.Movement
	next        int64
	failLedger  bool
}

func newMemState(entry *fulfillment.Entry) *memState {
	return &memState{
		entry: entry,
		stock: make(map[int64]int64),
		moves: make(map[int64][]ledger.Movement),
	}
}

func (s *memState) addProduct(id, stock int64) {
	s.stock[id] = stock
	if stock != 0 {
		s.next++
		s.moves[id] = append(s.moves[id], ledger.Movement{
			ID: s.next, ProductID: id, Direction: ledger.DirectionIn,
			Quantity: stock, Reason: ledger.ReasonInitial, PostedAt: time.Now().UTC(),
		})
	}
}

func (s *memState) GetByID(ctx context.Context, id int64) (*fulfillment.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || s.entry.ID != id {
		return nil, fulfillment.ErrNotFound
	}
	clone := *s.entry
	return &clone, nil
}

func (s *memState) WithTx(ctx context.Context, fn func(context.Context, Unit) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entrySnap := *s.entry
	transSnap := append([]fulfillment.Transition(nil), s.transitions...)
	stockSnap := make(map[int64]int64, len(s.stock))
	for k, v := range s.stock {
		stockSnap[k] = v
	}
	movesSnap := make(map[int64][]ledger.Movement, len(s.moves))
	for k, v := range s.moves {
		movesSnap[k] = append([]ledger.Movement(nil), v...)
	}
	nextSnap := s.next

	err := fn(ctx, Unit{Fulfillment: &memFulfillmentTx{s}, Ledger: &memLedgerTx{s}})
	if err != nil {
		*s.entry = entrySnap
		s.transitions = transSnap
		s.stock = stockSnap
		s.moves = movesSnap
		s.next = nextSnap
	}
	return err
}

type memFulfillmentTx struct {
	state *memState
}

func (t *memFulfillmentTx) GetStateForUpdate(ctx context.Context, id int64) (fulfillment.Status, string, error) {
	if t.state.entry == nil || t.state.entry.ID != id {
		return "", "", fulfillment.ErrNotFound
	}
	return t.state.entry.Status, t.state.entry.AssignedOperator, nil
}

func (t *memFulfillmentTx) Claim(ctx context.Context, id int64, operator string, at time.Time) (bool, error) {
	if t.state.entry.Status != fulfillment.StatusWaiting {
		return false, nil
	}
	t.state.entry.Status = fulfillment.StatusPreparing
	t.state.entry.AssignedOperator = operator
	return true, nil
}

func (t *memFulfillmentTx) MarkReady(ctx context.Context, id int64, at time.Time) (bool, error) {
	if t.state.entry.Status != fulfillment.StatusPreparing {
		return false, nil
	}
	t.state.entry.Status = fulfillment.StatusReady
	return true, nil
}

func (t *memFulfillmentTx) MarkDispensed(ctx context.Context, id int64, at time.Time) (bool, error) {
	if t.state.entry.Status != fulfillment.StatusReady {
		return false, nil
	}
	t.state.entry.Status = fulfillment.StatusDispensed
	t.state.entry.DispensedAt = &at
	return true, nil
}

func (t *memFulfillmentTx) InsertTransition(ctx context.Context, tr fulfillment.Transition) error {
	t.state.transitions = append(t.state.transitions, tr)
	return nil
}

type memLedgerTx struct {
	state *memState
}

func (t *memLedgerTx) GetStockForUpdate(ctx context.Context, productID int64) (int64, error) {
	if t.state.failLedger {
		return 0, errLedgerDown
	}
	stock, ok := t.state.stock[productID]
	if !ok {
		return 0, ledger.ErrProductNotFound
	}
	return stock, nil
}

func (t *memLedgerTx) SumMovements(ctx context.Context, productID int64) (int64, error) {
	var sum int64
	for _, m := range t.state.moves[productID] {
		sum += m.Signed()
	}
	return sum, nil
}

func (t *memLedgerTx) InsertMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	t.state.next++
	m.ID = t.state.next
	t.state.moves[m.ProductID] = append(t.state.moves[m.ProductID], m)
	return m.ID, nil
}

func (t *memLedgerTx) SetStock(ctx context.Context, productID, stock int64) error {
	t.state.stock[productID] = stock
	return nil
}

func readyEntry() *fulfillment.Entry {
	return &fulfillment.Entry{
		ID:               7,
		PatientName:      "Budi Santoso",
		QueueNumber:      12,
		Status:           fulfillment.StatusReady,
		AssignedOperator: "Apt. Dewi",
		Prescriptions: []fulfillment.Prescription{
			{
				ID:   1,
				Type: fulfillment.TypeMain,
				Items: []fulfillment.Item{
					{ID: 11, ProductID: 1, Dosage: "3x1", Quantity: 10},
					{ID: 12, DrugName: "Puyer racikan", Dosage: "2x1", Quantity: 5},
				},
			},
			{
				ID:   2,
				Type: fulfillment.TypeFollowUp,
				Items: []fulfillment.Item{
					{ID: 21, ProductID: 2, Dosage: "1x1 malam", Quantity: 3},
				},
			},
		},
	}
}

func newTestCoordinator(state *memState) *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(logger, state, state, nil, nil)
}

func TestDispensePostsSaleMovements(t *testing.T) {
	state := newMemState(readyEntry())
	state.addProduct(1, 50)
	state.addProduct(2, 10)
	coord := newTestCoordinator(state)

	result, err := coord.Dispense(context.Background(), 7, "Apt. Dewi")
	require.NoError(t, err)

	assert.Equal(t, fulfillment.StatusDispensed, state.entry.Status)
	assert.Equal(t, int64(40), state.stock[1])
	assert.Equal(t, int64(7), state.stock[2])

	// One SALE per stock-linked item; the free-text item is skipped.
	require.Len(t, result.Movements, 2)
	for _, m := range result.Movements {
		assert.Equal(t, ledger.DirectionOut, m.Direction)
		assert.Equal(t, ledger.ReasonSale, m.Reason)
		assert.Equal(t, int64(7), m.EntryID)
		assert.NotZero(t, m.ItemID)
	}
	assert.Empty(t, result.NegativeProducts)

	require.Len(t, state.transitions, 1)
	assert.Equal(t, fulfillment.StatusDispensed, state.transitions[0].To)
}

func TestDispenseRequiresReady(t *testing.T) {
	entry := readyEntry()
	entry.Status = fulfillment.StatusPreparing
	state := newMemState(entry)
	state.addProduct(1, 50)
	state.addProduct(2, 10)
	coord := newTestCoordinator(state)

	_, err := coord.Dispense(context.Background(), 7, "Apt. Dewi")
	require.ErrorIs(t, err, fulfillment.ErrInvalidTransition)
	var te *fulfillment.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, fulfillment.StatusPreparing, te.Current)
	assert.Equal(t, "Apt. Dewi", te.AssignedOperator)

	assert.Equal(t, fulfillment.StatusPreparing, state.entry.Status)
	assert.Equal(t, int64(50), state.stock[1])
}

func TestDispenseRollsBackWhenLedgerFails(t *testing.T) {
	state := newMemState(readyEntry())
	state.addProduct(1, 50)
	state.addProduct(2, 10)
	state.failLedger = true
	coord := newTestCoordinator(state)

	_, err := coord.Dispense(context.Background(), 7, "Apt. Dewi")
	require.ErrorIs(t, err, errLedgerDown)

	// Nothing moved: entry still READY, no transition row, stock intact.
	assert.Equal(t, fulfillment.StatusReady, state.entry.Status)
	assert.Empty(t, state.transitions)
	assert.Equal(t, int64(50), state.stock[1])
	assert.Len(t, state.moves[1], 1)

	// Retry after recovery succeeds without duplicating movements.
	state.failLedger = false
	result, err := coord.Dispense(context.Background(), 7, "Apt. Dewi")
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	assert.Equal(t, int64(40), state.stock[1])
	assert.Len(t, state.moves[1], 2)
}

func TestDispenseReportsNegativeStock(t *testing.T) {
	state := newMemState(readyEntry())
	state.addProduct(1, 5)
	state.addProduct(2, 10)
	coord := newTestCoordinator(state)

	result, err := coord.Dispense(context.Background(), 7, "Apt. Dewi")
	require.NoError(t, err)

	// Dispensing follows physical stock; the deficit is recorded, not
	// refused.
	assert.Equal(t, fulfillment.StatusDispensed, state.entry.Status)
	assert.Equal(t, int64(-5), state.stock[1])
	assert.Equal(t, []int64{1}, result.NegativeProducts)
}
