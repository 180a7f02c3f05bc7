package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/servicebook/internal/domain/coupon"
)

const couponColumns = `id, code, discount_type, discount_value, min_order_amount,
	max_discount_amount, usage_limit, usage_count, valid_from, valid_until,
	active, category_ids, service_ids, description`

const (
	findCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = $1`

	lockCouponByCodeSQL = findCouponByCodeSQL + ` FOR UPDATE`

	lockCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`

	incrementCouponUsageSQL = `UPDATE coupons
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count`

	countCouponUsageSQL = `SELECT count(*) FROM bookings
		WHERE coupon_id = $1 AND status = ANY($2)`

	setCouponUsageSQL = `UPDATE coupons SET usage_count = $2, updated_at = now() WHERE id = $1`

	listCouponIDsSQL = `SELECT id FROM coupons ORDER BY id`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository. Lock methods are only
// meaningful when the repository is bound to a transaction.
type CouponRepository struct {
	q querier
}

// FindByCode looks up a coupon by code without locking it. The code is
// expected in its normalized (upper case) form.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.one(ctx, findCouponByCodeSQL, coupon.NormalizeCode(code))
}

// LockByCode loads the coupon and holds its row lock until the transaction
// ends. Returns coupon.ErrBusy when the wait exceeds lock_timeout.
func (r *CouponRepository) LockByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.one(ctx, lockCouponByCodeSQL, coupon.NormalizeCode(code))
}

// LockByID is LockByCode keyed by id.
func (r *CouponRepository) LockByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return r.one(ctx, lockCouponByIDSQL, id)
}

func (r *CouponRepository) one(ctx context.Context, sql, arg string) (*coupon.Coupon, error) {
	rows, err := r.q.Query(ctx, sql, arg)
	if err != nil {
		return nil, mapCouponErr(err, arg)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		return nil, mapCouponErr(err, arg)
	}
	return &c, nil
}

func mapCouponErr(err error, key string) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return coupon.ErrNotFound
	case isLockTimeout(err):
		return coupon.ErrBusy
	default:
		return fmt.Errorf("loading coupon %q: %w", key, err)
	}
}

// IncrementUsage bumps usage_count unless the limit is reached.
func (r *CouponRepository) IncrementUsage(ctx context.Context, id string) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, incrementCouponUsageSQL, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, coupon.ErrUsageLimitReached
		}
		if isLockTimeout(err) {
			return 0, coupon.ErrBusy
		}
		return 0, fmt.Errorf("incrementing usage for coupon %q: %w", id, err)
	}
	return count, nil
}

// CountUsage counts bookings referencing the coupon in a counted status.
func (r *CouponRepository) CountUsage(ctx context.Context, id string) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, countCouponUsageSQL, id, coupon.CountedStatuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting usage for coupon %q: %w", id, err)
	}
	return count, nil
}

// SetUsageCount overwrites the cached counter.
func (r *CouponRepository) SetUsageCount(ctx context.Context, id string, count int) error {
	tag, err := r.q.Exec(ctx, setCouponUsageSQL, id, count)
	if err != nil {
		return fmt.Errorf("setting usage for coupon %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// ListIDs returns every coupon id.
func (r *CouponRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, listCouponIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return ids, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		usageLimit   *int32
		usageCount   int32
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Value, &c.MinOrderAmount,
		&c.MaxDiscountAmount, &usageLimit, &usageCount, &validFrom, &validUntil,
		&c.Active, &c.CategoryIDs, &c.ServiceIDs, &c.Description,
	)
	c.Type = coupon.Type(discountType)
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.UsageCount = int(usageCount)
	if validFrom != nil {
		c.ValidFrom = *validFrom
	}
	if validUntil != nil {
		c.ValidUntil = *validUntil
	}
	return c, err
}
