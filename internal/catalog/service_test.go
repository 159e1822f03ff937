package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogRepo struct {
	products []Product
}

func (r *fakeCatalogRepo) GetByID(ctx context.Context, id int64) (Product, error) {
	for _, p := range r.products {
		if p.ID == id {
			return p, nil
		}
	}
	return Product{}, ErrProductNotFound
}

func (r *fakeCatalogRepo) List(ctx context.Context, filter ListFilter) ([]Product, int, error) {
	var matched []Product
	for _, p := range r.products {
		if filter.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Search)) {
			continue
		}
		matched = append(matched, p)
	}
	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start >= total {
		return nil, total, nil
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *fakeCatalogRepo) CurrentStock(ctx context.Context, productID int64) (int64, error) {
	p, err := r.GetByID(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.CurrentStock, nil
}

func seededRepo() *fakeCatalogRepo {
	return &fakeCatalogRepo{products: []Product{
		{ID: 1, Code: "PCT-500", Name: "Paracetamol 500 mg", Unit: "tablet", CurrentStock: 500},
		{ID: 2, Code: "AMX-500", Name: "Amoxicillin 500 mg", Unit: "kapsul", CurrentStock: 300},
		{ID: 3, Code: "OBH-100", Name: "OBH Sirup 100 ml", Unit: "botol", CurrentStock: 80},
	}}
}

func TestListPaginates(t *testing.T) {
	svc := NewService(seededRepo())

	products, pagination, err := svc.List(context.Background(), ListFilter{Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, products, 2)
	assert.Equal(t, 3, pagination.Total)
	assert.Equal(t, 2, pagination.TotalPages)
}

func TestListSearch(t *testing.T) {
	svc := NewService(seededRepo())

	products, pagination, err := svc.List(context.Background(), ListFilter{Search: "sirup", Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "OBH-100", products[0].Code)
	assert.Equal(t, 1, pagination.Total)
}

func TestGetByIDNotFound(t *testing.T) {
	svc := NewService(seededRepo())

	_, err := svc.GetByID(context.Background(), 99)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCurrentStockReadsCache(t *testing.T) {
	svc := NewService(seededRepo())

	stock, err := svc.CurrentStock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stock)
}
