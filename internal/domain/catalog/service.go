package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested service does not exist.
var ErrNotFound = errors.New("service not found")

// Service is a bookable offering priced per hour.
type Service struct {
	ID          string
	Name        string
	CategoryID  string
	BasePrice   decimal.Decimal
	Active      bool
	Description string
}

// Repository defines read operations for the service catalog.
type Repository interface {
	// List returns active services ordered by name.
	List(ctx context.Context) ([]Service, error)
	// GetByID returns the service regardless of its active flag.
	GetByID(ctx context.Context, id string) (*Service, error)
}
