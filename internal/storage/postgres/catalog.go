package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/servicebook/internal/domain/catalog"
)

const (
	listServicesSQL = `SELECT id, name, category_id, base_price, active, description
		FROM services WHERE active = TRUE ORDER BY name, id`

	getServiceByIDSQL = `SELECT id, name, category_id, base_price, active, description
		FROM services WHERE id = $1`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	q querier
}

// List returns all active services ordered by name.
func (r *CatalogRepository) List(ctx context.Context) ([]catalog.Service, error) {
	rows, err := r.q.Query(ctx, listServicesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	services, err := pgx.CollectRows(rows, scanService)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	return services, nil
}

// GetByID returns a single service by id, active or not.
// Returns catalog.ErrNotFound when no such service exists.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*catalog.Service, error) {
	rows, err := r.q.Query(ctx, getServiceByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting service %q: %w", id, err)
	}
	svc, err := pgx.CollectExactlyOneRow(rows, scanService)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting service %q: %w", id, err)
	}
	return &svc, nil
}

func scanService(row pgx.CollectableRow) (catalog.Service, error) {
	var s catalog.Service
	err := row.Scan(&s.ID, &s.Name, &s.CategoryID, &s.BasePrice, &s.Active, &s.Description)
	return s, err
}
