package coupon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported coupon discount strategies.
type Type string

const (
	// TypePercentage discounts a percentage of the booking base amount,
	// optionally capped by MaxDiscountAmount.
	TypePercentage Type = "percentage"
	// TypeFixed discounts a fixed amount, never more than what is owed.
	TypeFixed Type = "fixed"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == TypePercentage || t == TypeFixed
}

var (
	// ErrNotFound is returned when no coupon matches the given code or id.
	ErrNotFound = errors.New("coupon not found")
	// ErrBusy is returned when the exclusive lock on a coupon could not be
	// acquired within the configured wait.
	ErrBusy = errors.New("coupon is locked by another redemption")

	// ErrInactive is returned for coupons switched off by an administrator.
	ErrInactive = errors.New("coupon is inactive")
	// ErrNotStarted is returned before the coupon's validity window opens.
	ErrNotStarted = errors.New("coupon is not valid yet")
	// ErrExpired is returned after the coupon's validity window closed.
	ErrExpired = errors.New("coupon expired")
	// ErrUsageLimitReached is returned when a coupon has exhausted its allowed uses.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrMinOrderNotMet is returned when the base amount is below the coupon minimum.
	ErrMinOrderNotMet = errors.New("order amount below coupon minimum")
	// ErrOutOfScope is returned when the coupon is restricted to other
	// services or categories.
	ErrOutOfScope = errors.New("coupon does not apply to this service")
)

// Coupon is a redeemable discount code.
//
// UsageCount is a cached value. The authoritative usage of a coupon is the
// number of bookings referencing it in a counted status, see CountedStatuses.
type Coupon struct {
	ID                string
	Code              string
	Type              Type
	Value             decimal.Decimal
	MinOrderAmount    decimal.NullDecimal
	MaxDiscountAmount decimal.NullDecimal
	// UsageLimit is nil for unlimited coupons.
	UsageLimit *int
	UsageCount int
	// Zero ValidFrom or ValidUntil leaves that side of the window open.
	ValidFrom   time.Time
	ValidUntil  time.Time
	Active      bool
	CategoryIDs []string
	ServiceIDs  []string
	Description string
}

// Target identifies what a coupon is being applied to, for scope checks.
type Target struct {
	ServiceID  string
	CategoryID string
}

// CountedStatuses lists the booking statuses that consume a coupon use:
// everything except cancelled.
var CountedStatuses = []string{"pending", "confirmed", "completed", "rescheduled"}

// NormalizeCode canonicalizes a coupon code for case-insensitive matching.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Usable reports whether the coupon is active, inside its validity window and
// below its usage limit at the given instant.
func (c *Coupon) Usable(now time.Time) bool {
	return c.usable(now) == nil
}

func (c *Coupon) usable(now time.Time) error {
	if !c.Active {
		return ErrInactive
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return ErrNotStarted
	}
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return ErrExpired
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return ErrUsageLimitReached
	}
	return nil
}

// Remaining returns how many uses are left, or nil for unlimited coupons.
func (c *Coupon) Remaining() *int {
	if c.UsageLimit == nil {
		return nil
	}
	left := max(*c.UsageLimit-c.UsageCount, 0)
	return &left
}

// AppliesTo reports whether the coupon's service/category scope admits t.
// Unscoped coupons apply to everything.
func (c *Coupon) AppliesTo(t Target) bool {
	if len(c.ServiceIDs) == 0 && len(c.CategoryIDs) == 0 {
		return true
	}
	return slices.Contains(c.ServiceIDs, t.ServiceID) ||
		(t.CategoryID != "" && slices.Contains(c.CategoryIDs, t.CategoryID))
}

// Check returns the reason the coupon cannot be redeemed against baseAmount
// at now, or nil when it can.
func Check(c *Coupon, baseAmount decimal.Decimal, now time.Time) error {
	if err := c.usable(now); err != nil {
		return err
	}
	if c.MinOrderAmount.Valid && baseAmount.LessThan(c.MinOrderAmount.Decimal) {
		return ErrMinOrderNotMet
	}
	return nil
}

// Validate reports whether the coupon is redeemable against baseAmount at now.
func Validate(c *Coupon, baseAmount decimal.Decimal, now time.Time) bool {
	return Check(c, baseAmount, now) == nil
}

// Finder looks coupons up without locking them. Used for price previews.
type Finder interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}

// Repository is the transactional view of coupon storage. Every method runs
// inside the transaction that produced the Repository, and Lock* methods hold
// an exclusive lock on exactly one coupon until that transaction ends.
type Repository interface {
	Finder
	LockByCode(ctx context.Context, code string) (*Coupon, error)
	LockByID(ctx context.Context, id string) (*Coupon, error)
	// IncrementUsage bumps the counter unless the usage limit is reached,
	// returning the new count or ErrUsageLimitReached.
	IncrementUsage(ctx context.Context, id string) (int, error)
	// CountUsage counts bookings referencing the coupon in CountedStatuses.
	CountUsage(ctx context.Context, id string) (int, error)
	SetUsageCount(ctx context.Context, id string, count int) error
	ListIDs(ctx context.Context) ([]string, error)
}

// Transactor runs fn inside a single storage transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinCouponTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
