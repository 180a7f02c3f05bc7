package booking

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/domain/pricing"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:   {StatusCompleted, StatusCancelled, StatusRescheduled},
	StatusRescheduled: {StatusConfirmed, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// CanTransitionTo reports whether an administrator may move a booking from s
// to next. Completed and cancelled bookings are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// ConsumesCoupon reports whether a booking in status s counts towards its
// coupon's usage.
func (s Status) ConsumesCoupon() bool {
	return slices.Contains(coupon.CountedStatuses, string(s))
}

// Customer holds contact details. The booking engine does not interpret them.
type Customer struct {
	Name    string
	Email   string
	Phone   string
	Address string
	Notes   string
}

// Request is the input to CreateBooking and Quote.
type Request struct {
	ServiceID     string
	Date          time.Time
	DurationHours int
	Frequency     string
	CouponCode    string
	Customer      Customer
}

// Price is the immutable price snapshot stored with a booking.
type Price struct {
	BaseAmount              decimal.Decimal
	FrequencyDiscount       decimal.Decimal
	BulkDiscount            decimal.Decimal
	SpecialPeriodAdjustment decimal.Decimal
	CouponDiscount          decimal.Decimal
	FinalAmount             decimal.Decimal
	SpecialPeriod           string
}

// PriceOf snapshots the amounts of a computed breakdown.
func PriceOf(b pricing.Breakdown) Price {
	return Price{
		BaseAmount:              b.BaseAmount,
		FrequencyDiscount:       b.FrequencyDiscount,
		BulkDiscount:            b.BulkDiscount,
		SpecialPeriodAdjustment: b.SpecialPeriodAdjustment,
		CouponDiscount:          b.CouponDiscount,
		FinalAmount:             b.FinalAmount,
		SpecialPeriod:           b.SpecialPeriod,
	}
}

// Booking is a persisted booking with its price snapshot.
type Booking struct {
	ID            string
	Number        string
	ServiceID     string
	ServiceName   string
	Date          time.Time
	DurationHours int
	Frequency     pricing.Frequency
	Customer      Customer
	Price         Price
	// CouponID is empty when no coupon was applied.
	CouponID   string
	CouponCode string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func newID() string {
	return uuid.NewString()
}

// NewNumber generates a human-facing booking number such as
// BK-20250620-3F2A9C1D.
func NewNumber(at time.Time) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "BK-" + at.UTC().Format("20060102") + "-" + strings.ToUpper(id[:8])
}

// Reader is the non-transactional read side of booking storage.
type Reader interface {
	GetByID(ctx context.Context, id string) (*Booking, error)
	GetByNumber(ctx context.Context, number string) (*Booking, error)
}

// Repository is the transactional view of booking storage.
type Repository interface {
	Reader
	// Create inserts b. It returns ErrDuplicateNumber if b.Number is taken.
	Create(ctx context.Context, b *Booking) error
	// LockByID loads the booking and holds an exclusive lock on it until the
	// transaction ends.
	LockByID(ctx context.Context, id string) (*Booking, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
}

// UnitOfWork exposes the repositories bound to one transaction.
type UnitOfWork interface {
	Services() catalog.Repository
	Coupons() coupon.Repository
	Bookings() Repository
}

// Transactor runs fn in a transaction that commits when fn returns nil.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// Store is the storage backend a Service works against.
type Store interface {
	Transactor
	Services() catalog.Repository
	Coupons() coupon.Finder
	Bookings() Reader
}

// Notifier receives bookings after their transaction committed.
type Notifier interface {
	BookingCreated(ctx context.Context, b *Booking) error
	BookingStatusChanged(ctx context.Context, b *Booking, from Status) error
}
