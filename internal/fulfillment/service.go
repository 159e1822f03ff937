package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apotek-core/apotek-core/internal/ledger"
	"github.com/apotek-core/apotek-core/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Create(ctx context.Context, input CreateInput) (int64, error)
	GetByID(ctx context.Context, id int64) (*Entry, error)
	Transitions(ctx context.Context, entryID int64) ([]Transition, error)
}

// DispenserPort performs the ledger-linked READY to DISPENSED
// transition. Implemented by the dispensing coordinator.
type DispenserPort interface {
	Dispense(ctx context.Context, entryID int64, actor string) (ledger.PostResult, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records transition counters.
type MetricsPort interface {
	RecordTransition(to string)
}

// SnapshotInvalidator bumps the queue snapshot cache version after a
// mutation so polling terminals observe the change within one TTL.
type SnapshotInvalidator interface {
	Bump(ctx context.Context) error
}

// Service governs the fulfillment state machine.
type Service struct {
	repo      RepositoryPort
	dispenser DispenserPort
	audit     AuditPort
	metrics   MetricsPort
	snapshots SnapshotInvalidator
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort, snapshots SnapshotInvalidator) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics, snapshots: snapshots}
}

// SetDispenser wires the dispensing coordinator. Set after construction
// because the coordinator also depends on this package's repository.
func (s *Service) SetDispenser(d DispenserPort) {
	s.dispenser = d
}

// Enqueue creates a WAITING entry from a physician hand-off.
func (s *Service) Enqueue(ctx context.Context, input CreateInput) (*Entry, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(input.VisitRef); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVisitRefRequired, err)
	}

	id, err := s.repo.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, id, "", StatusWaiting, input.Actor)
	return s.repo.GetByID(ctx, id)
}

// Claim assigns a WAITING entry to a pharmacist. Claiming an already
// claimed entry fails: the caller shows the current operator and asks
// whether to continue, it never silently re-claims.
func (s *Service) Claim(ctx context.Context, id int64, operator string) (*Entry, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return nil, ErrOperatorRequired
	}

	now := time.Now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, holder, err := tx.GetStateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.CanClaim() {
			return &TransitionError{EntryID: id, Requested: StatusPreparing, Current: current, AssignedOperator: holder}
		}
		ok, err := tx.Claim(ctx, id, operator, now)
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{EntryID: id, Requested: StatusPreparing, Current: current, AssignedOperator: holder}
		}
		return tx.InsertTransition(ctx, Transition{EntryID: id, From: StatusWaiting, To: StatusPreparing, Actor: operator, OccurredAt: now})
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, id, StatusWaiting, StatusPreparing, operator)
	return s.repo.GetByID(ctx, id)
}

// MarkReady moves a PREPARING entry to READY.
func (s *Service) MarkReady(ctx context.Context, id int64, actor string) (*Entry, error) {
	now := time.Now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, holder, err := tx.GetStateForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.CanMarkReady() {
			return &TransitionError{EntryID: id, Requested: StatusReady, Current: current, AssignedOperator: holder}
		}
		ok, err := tx.MarkReady(ctx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return &TransitionError{EntryID: id, Requested: StatusReady, Current: current, AssignedOperator: holder}
		}
		return tx.InsertTransition(ctx, Transition{EntryID: id, From: StatusPreparing, To: StatusReady, Actor: actor, OccurredAt: now})
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, id, StatusPreparing, StatusReady, actor)
	return s.repo.GetByID(ctx, id)
}

// Dispense finalizes a READY entry: the status change and the OUT
// ledger movements commit as one unit through the coordinator. Returns
// the updated entry plus the posted movements.
func (s *Service) Dispense(ctx context.Context, id int64, actor string) (*Entry, ledger.PostResult, error) {
	if s.dispenser == nil {
		return nil, ledger.PostResult{}, fmt.Errorf("fulfillment: dispenser not configured")
	}
	result, err := s.dispenser.Dispense(ctx, id, actor)
	if err != nil {
		return nil, ledger.PostResult{}, err
	}
	s.afterTransition(ctx, id, StatusReady, StatusDispensed, actor)
	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, ledger.PostResult{}, err
	}
	return entry, result, nil
}

// GetByID loads one entry with prescriptions and items.
func (s *Service) GetByID(ctx context.Context, id int64) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// Transitions returns the status audit trail for one entry.
func (s *Service) Transitions(ctx context.Context, id int64) ([]Transition, error) {
	return s.repo.Transitions(ctx, id)
}

// afterTransition publishes the side effects of a committed transition:
// snapshot invalidation, metrics, audit. Best effort; the transition
// itself already committed.
func (s *Service) afterTransition(ctx context.Context, id int64, from, to Status, actor string) {
	if s.snapshots != nil {
		_ = s.snapshots.Bump(ctx)
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(string(to))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   fmt.Sprintf("fulfillment:%s", strings.ToLower(string(to))),
			Entity:   "fulfillment_entry",
			EntityID: fmt.Sprintf("%d", id),
			Meta: map[string]any{
				"from": string(from),
				"to":   string(to),
			},
		})
	}
}
