package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedeemResult describes a successful redemption.
type RedeemResult struct {
	CouponID   string
	UsageCount int
	// Remaining is nil for unlimited coupons.
	Remaining *int
}

// RepairResult summarizes a bulk usage recount.
type RepairResult struct {
	Checked int
	Fixed   int
}

// Ledger owns coupon usage accounting: locking a coupon for redemption,
// incrementing its counter, and recomputing the counter from bookings.
type Ledger struct {
	tx  Transactor
	lg  *zap.Logger
	now func() time.Time
}

// NewLedger creates a Ledger that runs standalone repairs through tx.
func NewLedger(tx Transactor, lg *zap.Logger) *Ledger {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Ledger{tx: tx, lg: lg, now: time.Now}
}

// Now returns the ledger's clock reading, used as the validity instant.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Acquire looks up the coupon by case-insensitive code and takes the
// exclusive lock on its row within repo's transaction.
func (l *Ledger) Acquire(ctx context.Context, repo Repository, code string) (*Coupon, error) {
	c, err := repo.LockByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBusy) {
			return nil, err
		}
		return nil, errors.Wrap(err, "lock coupon")
	}
	return c, nil
}

// Validate reports whether c is redeemable against baseAmount right now.
func (l *Ledger) Validate(c *Coupon, baseAmount decimal.Decimal) bool {
	return Validate(c, baseAmount, l.now())
}

// Redeem consumes one use of a coupon previously locked with Acquire in the
// same transaction. The storage increment is guarded by the usage limit, so
// the counter never passes it even if the cached count was stale.
func (l *Ledger) Redeem(ctx context.Context, repo Repository, c *Coupon) (RedeemResult, error) {
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return RedeemResult{}, ErrUsageLimitReached
	}

	count, err := repo.IncrementUsage(ctx, c.ID)
	if err != nil {
		if errors.Is(err, ErrUsageLimitReached) {
			return RedeemResult{}, err
		}
		return RedeemResult{}, errors.Wrap(err, "increment usage")
	}
	c.UsageCount = count

	return RedeemResult{
		CouponID:   c.ID,
		UsageCount: count,
		Remaining:  c.Remaining(),
	}, nil
}

// RecalculateUsageCount recounts the coupon's usage from bookings in its own
// transaction and overwrites the stored counter. It is idempotent.
func (l *Ledger) RecalculateUsageCount(ctx context.Context, id string) (int, error) {
	var count int
	err := l.tx.WithinCouponTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		count, _, err = l.RecalculateInTx(ctx, repo, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecalculateInTx is RecalculateUsageCount for callers that already hold a
// transaction, such as a booking status change. It reports whether the
// stored counter was stale.
func (l *Ledger) RecalculateInTx(ctx context.Context, repo Repository, id string) (count int, fixed bool, err error) {
	c, err := repo.LockByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBusy) {
			return 0, false, err
		}
		return 0, false, errors.Wrapf(err, "lock coupon %s", id)
	}

	count, err = repo.CountUsage(ctx, id)
	if err != nil {
		return 0, false, errors.Wrapf(err, "count usage of coupon %s", id)
	}
	if count == c.UsageCount {
		return count, false, nil
	}

	if err := repo.SetUsageCount(ctx, id, count); err != nil {
		return 0, false, errors.Wrapf(err, "store usage of coupon %s", id)
	}
	l.lg.Info("Coupon usage count corrected",
		zap.String("coupon_id", id),
		zap.String("code", c.Code),
		zap.Int("stored", c.UsageCount),
		zap.Int("actual", count),
	)
	if c.UsageLimit != nil && count > *c.UsageLimit {
		l.lg.Warn("Coupon usage exceeds its limit",
			zap.String("coupon_id", id),
			zap.Int("limit", *c.UsageLimit),
			zap.Int("actual", count),
		)
	}
	return count, true, nil
}

// RecalculateAllUsageCounts recounts every coupon, one transaction per
// coupon, and reports how many stored counters were corrected.
func (l *Ledger) RecalculateAllUsageCounts(ctx context.Context) (RepairResult, error) {
	var ids []string
	err := l.tx.WithinCouponTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		ids, err = repo.ListIDs(ctx)
		return err
	})
	if err != nil {
		return RepairResult{}, errors.Wrap(err, "list coupons")
	}

	var res RepairResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var fixed bool
		err := l.tx.WithinCouponTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			_, fixed, err = l.RecalculateInTx(ctx, repo, id)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Deleted between listing and recount.
				continue
			}
			return res, errors.Wrapf(err, "recalculate coupon %s", id)
		}
		res.Checked++
		if fixed {
			res.Fixed++
		}
	}
	return res, nil
}
