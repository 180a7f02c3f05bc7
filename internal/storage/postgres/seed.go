package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

const (
	upsertServiceSQL = `INSERT INTO services (id, name, category_id, base_price, active, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			category_id = EXCLUDED.category_id, base_price = EXCLUDED.base_price,
			active = EXCLUDED.active, description = EXCLUDED.description`

	// The usage counter is left alone on update; it belongs to the ledger.
	upsertCouponSQL = `INSERT INTO coupons (id, code, discount_type, discount_value,
			min_order_amount, max_discount_amount, usage_limit, valid_from, valid_until,
			active, category_ids, service_ids, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT ((UPPER(code))) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			min_order_amount = EXCLUDED.min_order_amount,
			max_discount_amount = EXCLUDED.max_discount_amount,
			usage_limit = EXCLUDED.usage_limit,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			active = EXCLUDED.active,
			category_ids = EXCLUDED.category_ids,
			service_ids = EXCLUDED.service_ids,
			description = EXCLUDED.description,
			updated_at = now()`
)

// UpsertService inserts or updates a catalog service.
func (s *Store) UpsertService(ctx context.Context, svc catalog.Service) error {
	_, err := s.pool.Exec(ctx, upsertServiceSQL,
		svc.ID, svc.Name, svc.CategoryID, svc.BasePrice, svc.Active, svc.Description)
	if err != nil {
		return fmt.Errorf("upserting service %q: %w", svc.ID, err)
	}
	return nil
}

// UpsertCoupons writes coupons in a single batch round trip, matching
// existing rows by case-insensitive code.
func (s *Store) UpsertCoupons(ctx context.Context, coupons []coupon.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL,
			c.ID, coupon.NormalizeCode(c.Code), string(c.Type), c.Value,
			c.MinOrderAmount, c.MaxDiscountAmount, c.UsageLimit,
			nullTime(c.ValidFrom), nullTime(c.ValidUntil),
			c.Active, nonNil(c.CategoryIDs), nonNil(c.ServiceIDs), c.Description,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	for _, c := range coupons {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing coupon batch: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
