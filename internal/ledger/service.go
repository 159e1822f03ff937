package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apotek-core/apotek-core/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	History(ctx context.Context, filter HistoryFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records ledger counters.
type MetricsPort interface {
	RecordMovement(direction, reason string)
	RecordNegativeStock()
}

// Service coordinates ledger posting.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics}
}

// PostResult reports the outcome of a post.
type PostResult struct {
	Movements []Movement `json:"movements"`
	// NegativeProducts lists products whose stock went negative as a
	// result of this post. Not an error: dispensing follows physical
	// stock, the ledger records the deficit for reconciliation.
	NegativeProducts []int64 `json:"negative_products,omitempty"`
}

// Post appends the movements and applies their signed deltas to the
// referenced products' cached stock as one atomic unit. Movements are
// validated up front; nothing is applied on rejection.
func (s *Service) Post(ctx context.Context, input PostInput) (PostResult, error) {
	if err := Validate(input.Movements); err != nil {
		return PostResult{}, err
	}

	now := time.Now().UTC()
	for i := range input.Movements {
		if input.Movements[i].PostedAt.IsZero() {
			input.Movements[i].PostedAt = now
		}
		if input.Movements[i].Actor == "" {
			input.Movements[i].Actor = input.Actor
		}
	}

	insertedKey := false
	key := ""
	if input.Code != "" && s.idempotency != nil {
		key = fmt.Sprintf("ledger:%s", input.Code)
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return PostResult{}, err
		}
		insertedKey = true
	}

	var result PostResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, negatives, err := PostWithinTx(ctx, tx, input.Movements)
		if err != nil {
			return err
		}
		result = PostResult{Movements: posted, NegativeProducts: negatives}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return PostResult{}, err
	}

	for _, m := range result.Movements {
		if s.metrics != nil {
			s.metrics.RecordMovement(string(m.Direction), string(m.Reason))
		}
	}
	if s.metrics != nil {
		for range result.NegativeProducts {
			s.metrics.RecordNegativeStock()
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "ledger:post",
			Entity:   "stock_movement",
			EntityID: entityID(result.Movements),
			Meta: map[string]any{
				"count":             len(result.Movements),
				"code":              input.Code,
				"negative_products": result.NegativeProducts,
			},
		})
	}
	return result, nil
}

// History lists posted movements.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	return s.repo.History(ctx, filter)
}

// Validate checks a movement batch before any state mutation.
func Validate(movements []Movement) error {
	if len(movements) == 0 {
		return ErrEmptyPost
	}
	for _, m := range movements {
		if m.ProductID <= 0 {
			return ErrProductNotFound
		}
		if m.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if !m.Direction.IsValid() {
			return ErrInvalidDirection
		}
		if !m.Reason.IsValid() {
			return ErrInvalidReason
		}
	}
	return nil
}

// PostWithinTx runs the posting algorithm against an open transaction:
// lock each referenced product in ascending id order, verify the cached
// stock against the movement sum, insert the rows, apply the signed
// deltas. Callers that own the transaction boundary (the dispensing
// coordinator) call this directly so the status change and the ledger
// rows commit together.
func PostWithinTx(ctx context.Context, tx TxRepository, movements []Movement) ([]Movement, []int64, error) {
	byProduct := make(map[int64][]int)
	for i, m := range movements {
		byProduct[m.ProductID] = append(byProduct[m.ProductID], i)
	}
	productIDs := make([]int64, 0, len(byProduct))
	for id := range byProduct {
		productIDs = append(productIDs, id)
	}
	// Lock ordering: always ascending product id, so concurrent posts
	// touching overlapping product sets cannot deadlock.
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	posted := make([]Movement, len(movements))
	copy(posted, movements)
	var negatives []int64

	for _, productID := range productIDs {
		stock, err := tx.GetStockForUpdate(ctx, productID)
		if err != nil {
			return nil, nil, err
		}
		sum, err := tx.SumMovements(ctx, productID)
		if err != nil {
			return nil, nil, err
		}
		if sum != stock {
			return nil, nil, fmt.Errorf("%w: product %d cached=%d sum=%d", ErrInconsistent, productID, stock, sum)
		}
		delta := int64(0)
		for _, idx := range byProduct[productID] {
			id, err := tx.InsertMovement(ctx, posted[idx])
			if err != nil {
				return nil, nil, err
			}
			posted[idx].ID = id
			delta += posted[idx].Signed()
		}
		newStock := stock + delta
		if err := tx.SetStock(ctx, productID, newStock); err != nil {
			return nil, nil, err
		}
		if newStock < 0 {
			negatives = append(negatives, productID)
		}
	}
	return posted, negatives, nil
}

func entityID(movements []Movement) string {
	if len(movements) == 0 {
		return "0"
	}
	return fmt.Sprintf("%d", movements[0].ID)
}
