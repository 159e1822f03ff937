package catalog

import (
	"context"

	"github.com/apotek-core/apotek-core/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	GetByID(ctx context.Context, id int64) (Product, error)
	List(ctx context.Context, filter ListFilter) ([]Product, int, error)
	CurrentStock(ctx context.Context, productID int64) (int64, error)
}

// Service exposes read operations over the drug catalog.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetByID returns one product.
func (s *Service) GetByID(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns products with pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, shared.Pagination, error) {
	products, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return products, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// CurrentStock returns the cached stock counter. The counter is
// maintained exclusively by ledger posts; this read never recomputes
// from movement history.
func (s *Service) CurrentStock(ctx context.Context, productID int64) (int64, error) {
	return s.repo.CurrentStock(ctx, productID)
}
