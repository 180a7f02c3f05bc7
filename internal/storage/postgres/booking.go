package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/pricing"
)

const bookingColumns = `id, number, service_id, service_name, booking_date,
	duration_hours, frequency, customer_name, customer_email, customer_phone,
	customer_address, customer_notes, base_amount, frequency_discount,
	bulk_discount, special_period_adjustment, coupon_discount, final_amount,
	special_period, coupon_id, coupon_code, status, created_at, updated_at`

const (
	insertBookingSQL = `INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	getBookingByIDSQL = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	getBookingByNumberSQL = `SELECT ` + bookingColumns + ` FROM bookings WHERE number = $1`

	lockBookingByIDSQL = getBookingByIDSQL + ` FOR UPDATE`

	updateBookingStatusSQL = `UPDATE bookings SET status = $2, updated_at = $3 WHERE id = $1`
)

var _ booking.Repository = (*BookingRepository)(nil)

// BookingRepository implements booking.Repository backed by PostgreSQL.
type BookingRepository struct {
	q querier
}

// Create inserts the booking with its price snapshot.
func (r *BookingRepository) Create(ctx context.Context, b *booking.Booking) error {
	var couponID *string
	if b.CouponID != "" {
		couponID = &b.CouponID
	}
	p := b.Price
	_, err := r.q.Exec(ctx, insertBookingSQL,
		b.ID, b.Number, b.ServiceID, b.ServiceName, b.Date,
		b.DurationHours, string(b.Frequency), b.Customer.Name, b.Customer.Email, b.Customer.Phone,
		b.Customer.Address, b.Customer.Notes, p.BaseAmount, p.FrequencyDiscount,
		p.BulkDiscount, p.SpecialPeriodAdjustment, p.CouponDiscount, p.FinalAmount,
		p.SpecialPeriod, couponID, b.CouponCode, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if code, constraint := pgCode(err); code == codeUniqueViolation && constraint == "bookings_number_key" {
			return booking.ErrDuplicateNumber
		}
		return fmt.Errorf("creating booking %q: %w", b.Number, err)
	}
	return nil
}

// GetByID returns a booking by id.
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*booking.Booking, error) {
	return r.one(ctx, getBookingByIDSQL, id)
}

// GetByNumber returns a booking by its public number.
func (r *BookingRepository) GetByNumber(ctx context.Context, number string) (*booking.Booking, error) {
	return r.one(ctx, getBookingByNumberSQL, number)
}

// LockByID loads a booking and holds its row lock until the transaction ends.
func (r *BookingRepository) LockByID(ctx context.Context, id string) (*booking.Booking, error) {
	return r.one(ctx, lockBookingByIDSQL, id)
}

// UpdateStatus sets the booking status.
func (r *BookingRepository) UpdateStatus(ctx context.Context, id string, status booking.Status, at time.Time) error {
	tag, err := r.q.Exec(ctx, updateBookingStatusSQL, id, string(status), at)
	if err != nil {
		if isLockTimeout(err) {
			return booking.ErrBusy
		}
		return fmt.Errorf("updating booking %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

func (r *BookingRepository) one(ctx context.Context, sql, arg string) (*booking.Booking, error) {
	rows, err := r.q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("loading booking %q: %w", arg, err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBooking)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, booking.ErrNotFound
		case isLockTimeout(err):
			return nil, booking.ErrBusy
		}
		return nil, fmt.Errorf("loading booking %q: %w", arg, err)
	}
	return &b, nil
}

func scanBooking(row pgx.CollectableRow) (booking.Booking, error) {
	var (
		b         booking.Booking
		duration  int32
		frequency string
		couponID  *string
		status    string
	)
	p := &b.Price
	err := row.Scan(
		&b.ID, &b.Number, &b.ServiceID, &b.ServiceName, &b.Date,
		&duration, &frequency, &b.Customer.Name, &b.Customer.Email, &b.Customer.Phone,
		&b.Customer.Address, &b.Customer.Notes, &p.BaseAmount, &p.FrequencyDiscount,
		&p.BulkDiscount, &p.SpecialPeriodAdjustment, &p.CouponDiscount, &p.FinalAmount,
		&p.SpecialPeriod, &couponID, &b.CouponCode, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	b.DurationHours = int(duration)
	b.Frequency = pricing.Frequency(frequency)
	if couponID != nil {
		b.CouponID = *couponID
	}
	b.Status = booking.Status(status)
	return b, err
}
