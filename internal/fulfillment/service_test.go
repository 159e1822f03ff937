package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apotek-core/apotek-core/internal/ledger"
)

// fakeRepository keeps entries in memory. WithTx holds the repository
// mutex for the whole closure, mirroring the row lock the real
// repository takes with SELECT ... FOR UPDATE.
type fakeRepository struct {
	mu          sync.Mutex
	entries     map[int64]*Entry
	transitions map[int64][]Transition
	visitRefs   map[string]bool
	nextID      int64
	nextQueue   int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		entries:     make(map[int64]*Entry),
		transitions: make(map[int64][]Transition),
		visitRefs:   make(map[string]bool),
	}
}

func (r *fakeRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &fakeTx{repo: r})
}

func (r *fakeRepository) Create(ctx context.Context, input CreateInput) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visitRefs[input.VisitRef] {
		return 0, ErrDuplicateVisit
	}
	r.visitRefs[input.VisitRef] = true
	r.nextID++
	r.nextQueue++

	entry := &Entry{
		ID:          r.nextID,
		VisitRef:    input.VisitRef,
		PatientName: input.PatientName,
		QueueNumber: r.nextQueue,
		Status:      StatusWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}
	for pi, p := range input.Prescriptions {
		prescription := Prescription{
			ID:           int64(pi + 1),
			EntryID:      entry.ID,
			Type:         p.Type,
			SharedDosage: p.SharedDosage,
			LineOrder:    pi,
		}
		for ii, item := range p.Items {
			prescription.Items = append(prescription.Items, Item{
				ID:             int64(pi*100 + ii + 1),
				PrescriptionID: prescription.ID,
				ProductID:      item.ProductID,
				DrugName:       item.DrugName,
				Dosage:         item.Dosage,
				Quantity:       item.Quantity,
				LineOrder:      ii,
			})
		}
		entry.Prescriptions = append(entry.Prescriptions, prescription)
	}
	r.entries[entry.ID] = entry
	r.transitions[entry.ID] = append(r.transitions[entry.ID], Transition{
		EntryID: entry.ID, To: StatusWaiting, Actor: input.Actor, OccurredAt: entry.EnqueuedAt,
	})
	return entry.ID, nil
}

func (r *fakeRepository) GetByID(ctx context.Context, id int64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (r *fakeRepository) Transitions(ctx context.Context, entryID int64) ([]Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entryID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Transition(nil), r.transitions[entryID]...), nil
}

type fakeTx struct {
	repo *fakeRepository
}

func (t *fakeTx) GetStateForUpdate(ctx context.Context, id int64) (Status, string, error) {
	entry, ok := t.repo.entries[id]
	if !ok {
		return "", "", ErrNotFound
	}
	return entry.Status, entry.AssignedOperator, nil
}

func (t *fakeTx) Claim(ctx context.Context, id int64, operator string, at time.Time) (bool, error) {
	entry, ok := t.repo.entries[id]
	if !ok || entry.Status != StatusWaiting {
		return false, nil
	}
	entry.Status = StatusPreparing
	entry.AssignedOperator = operator
	entry.ClaimedAt = &at
	return true, nil
}

func (t *fakeTx) MarkReady(ctx context.Context, id int64, at time.Time) (bool, error) {
	entry, ok := t.repo.entries[id]
	if !ok || entry.Status != StatusPreparing {
		return false, nil
	}
	entry.Status = StatusReady
	entry.ReadyAt = &at
	return true, nil
}

func (t *fakeTx) MarkDispensed(ctx context.Context, id int64, at time.Time) (bool, error) {
	entry, ok := t.repo.entries[id]
	if !ok || entry.Status != StatusReady {
		return false, nil
	}
	entry.Status = StatusDispensed
	entry.DispensedAt = &at
	return true, nil
}

func (t *fakeTx) InsertTransition(ctx context.Context, tr Transition) error {
	t.repo.transitions[tr.EntryID] = append(t.repo.transitions[tr.EntryID], tr)
	return nil
}

func validInput() CreateInput {
	return CreateInput{
		VisitRef:    uuid.NewString(),
		PatientName: "Budi Santoso",
		Actor:       "dr. Ratna",
		Prescriptions: []PrescriptionInput{
			{
				Type: TypeMain,
				Items: []ItemInput{
					{ProductID: 1, Dosage: "3x1 sesudah makan", Quantity: 10},
				},
			},
		},
	}
}

func TestEnqueueCreatesWaitingEntry(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)

	first, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, first.Status)
	assert.Equal(t, 1, first.QueueNumber)

	second, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 2, second.QueueNumber)

	transitions, err := svc.Transitions(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, StatusWaiting, transitions[0].To)
}

func TestEnqueueValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
		want   error
	}{
		{"missing visit ref", func(in *CreateInput) { in.VisitRef = "" }, ErrVisitRefRequired},
		{"malformed visit ref", func(in *CreateInput) { in.VisitRef = "kunjungan-123" }, ErrVisitRefRequired},
		{"missing patient", func(in *CreateInput) { in.PatientName = "" }, ErrPatientNameRequired},
		{"no prescriptions", func(in *CreateInput) { in.Prescriptions = nil }, ErrEmptyPrescriptions},
		{"no items", func(in *CreateInput) { in.Prescriptions[0].Items = nil }, ErrEmptyItems},
		{"unknown type", func(in *CreateInput) { in.Prescriptions[0].Type = "RACIKAN" }, ErrInvalidPrescriptionType},
		{"compound without shared dosage", func(in *CreateInput) {
			in.Prescriptions[0].Type = TypeCompound
		}, ErrSharedDosageRequired},
		{"shared dosage outside compound", func(in *CreateInput) {
			in.Prescriptions[0].SharedDosage = "2x1"
		}, ErrSharedDosageNotAllowed},
		{"item without drug", func(in *CreateInput) {
			in.Prescriptions[0].Items[0].ProductID = 0
		}, ErrDrugRequired},
		{"non-positive quantity", func(in *CreateInput) {
			in.Prescriptions[0].Items[0].Quantity = 0
		}, ErrInvalidQuantity},
		{"missing dosage", func(in *CreateInput) {
			in.Prescriptions[0].Items[0].Dosage = ""
		}, ErrDosageRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			tc.mutate(&input)
			_, err := svc.Enqueue(ctx, input)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEnqueueCompoundUsesSharedDosage(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)

	input := validInput()
	input.Prescriptions = []PrescriptionInput{
		{
			Type:         TypeCompound,
			SharedDosage: "2x1 oles tipis",
			Items: []ItemInput{
				{ProductID: 5, Quantity: 20},
				{DrugName: "Mentol kristal", Quantity: 2},
			},
		},
	}
	entry, err := svc.Enqueue(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, entry.Prescriptions, 1)
	assert.Equal(t, "2x1 oles tipis", entry.Prescriptions[0].SharedDosage)
}

func TestEnqueueRejectsDuplicateVisit(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)

	input := validInput()
	_, err := svc.Enqueue(context.Background(), input)
	require.NoError(t, err)

	_, err = svc.Enqueue(context.Background(), input)
	assert.ErrorIs(t, err, ErrDuplicateVisit)
}

func TestClaimRequiresOperator(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), entry.ID, "")
	assert.ErrorIs(t, err, ErrOperatorRequired)
	_, err = svc.Claim(context.Background(), entry.ID, "   ")
	assert.ErrorIs(t, err, ErrOperatorRequired)
}

func TestClaimAssignsOperator(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	claimed, err := svc.Claim(context.Background(), entry.ID, "Apt. Dewi")
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, claimed.Status)
	assert.Equal(t, "Apt. Dewi", claimed.AssignedOperator)
	require.NotNil(t, claimed.ClaimedAt)

	// A second claim reports the current holder instead of re-claiming.
	_, err = svc.Claim(context.Background(), entry.ID, "Apt. Rudi")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPreparing, te.Current)
	assert.Equal(t, "Apt. Dewi", te.AssignedOperator)
}

func TestClaimRaceHasExactlyOneWinner(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	operators := []string{"Apt. Dewi", "Apt. Rudi"}
	errs := make([]error, len(operators))
	var wg sync.WaitGroup
	for i, op := range operators {
		wg.Add(1)
		go func(i int, op string) {
			defer wg.Done()
			_, errs[i] = svc.Claim(context.Background(), entry.ID, op)
		}(i, op)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, winners)

	// One WAITING plus exactly one claim transition.
	transitions, err := svc.Transitions(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 2)
}

func TestMarkReadyRequiresPreparing(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	_, err = svc.MarkReady(context.Background(), entry.ID, "Apt. Dewi")
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusWaiting, te.Current)
}

// fakeDispenser flips the entry through the tx surface like the real
// coordinator, without the ledger side.
type fakeDispenser struct {
	repo   *fakeRepository
	result ledger.PostResult
}

func (d *fakeDispenser) Dispense(ctx context.Context, entryID int64, actor string) (ledger.PostResult, error) {
	err := d.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, holder, err := tx.GetStateForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if !current.CanDispense() {
			return &TransitionError{EntryID: entryID, Requested: StatusDispensed, Current: current, AssignedOperator: holder}
		}
		ok, err := tx.MarkDispensed(ctx, entryID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{EntryID: entryID, Requested: StatusDispensed, Current: current, AssignedOperator: holder}
		}
		return tx.InsertTransition(ctx, Transition{EntryID: entryID, From: StatusReady, To: StatusDispensed, Actor: actor, OccurredAt: time.Now().UTC()})
	})
	if err != nil {
		return ledger.PostResult{}, err
	}
	return d.result, nil
}

func TestLifecycleEndsAtDispensed(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	svc.SetDispenser(&fakeDispenser{repo: repo})

	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), entry.ID, "Apt. Dewi")
	require.NoError(t, err)
	_, err = svc.MarkReady(context.Background(), entry.ID, "Apt. Dewi")
	require.NoError(t, err)
	final, _, err := svc.Dispense(context.Background(), entry.ID, "Apt. Dewi")
	require.NoError(t, err)
	assert.Equal(t, StatusDispensed, final.Status)
	require.NotNil(t, final.DispensedAt)

	// Terminal: nothing moves a dispensed entry.
	_, err = svc.Claim(context.Background(), entry.ID, "Apt. Rudi")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.MarkReady(context.Background(), entry.ID, "Apt. Dewi")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = svc.Dispense(context.Background(), entry.ID, "Apt. Dewi")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	transitions, err := svc.Transitions(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	assert.Equal(t, StatusDispensed, transitions[3].To)
}

func TestDispenseRequiresCoordinator(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, nil, nil, nil)
	entry, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)

	_, _, err = svc.Dispense(context.Background(), entry.ID, "Apt. Dewi")
	assert.Error(t, err)
}
