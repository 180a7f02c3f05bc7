package booking_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/domain/pricing"
	"github.com/xenking/servicebook/internal/storage/memory"
)

// --- Mock implementations ---

type recordingNotifier struct {
	mu      sync.Mutex
	created []string
	changed []string
	err     error
}

func (n *recordingNotifier) BookingCreated(_ context.Context, b *booking.Booking) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, b.Number)
	return n.err
}

func (n *recordingNotifier) BookingStatusChanged(_ context.Context, b *booking.Booking, from booking.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, string(from)+"->"+string(b.Status))
	return n.err
}

// --- Helpers ---

var (
	fixedNow    = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	bookingDate = time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func intPtr(v int) *int { return &v }

type fixture struct {
	store    *memory.Store
	ledger   *coupon.Ledger
	svc      *booking.Service
	notifier *recordingNotifier
}

func newFixture(t *testing.T, lockTimeout time.Duration) *fixture {
	t.Helper()

	store := memory.New(lockTimeout)
	store.PutService(catalog.Service{
		ID:         "house-clean",
		Name:       "House cleaning",
		CategoryID: "cleaning",
		BasePrice:  d("40"),
		Active:     true,
	})
	store.PutService(catalog.Service{
		ID:        "retired",
		Name:      "Carpet shampoo",
		BasePrice: d("25"),
		Active:    false,
	})
	require.NoError(t, store.PutCoupon(coupon.Coupon{
		ID:             "cp-twenty",
		Code:           "TWENTY",
		Type:           coupon.TypeFixed,
		Value:          d("20"),
		MinOrderAmount: decimal.NewNullDecimal(d("50")),
		Active:         true,
	}))
	require.NoError(t, store.PutCoupon(coupon.Coupon{
		ID:         "cp-once",
		Code:       "ONCE",
		Type:       coupon.TypePercentage,
		Value:      d("10"),
		UsageLimit: intPtr(1),
		Active:     true,
	}))
	require.NoError(t, store.PutCoupon(coupon.Coupon{
		ID:         "cp-old",
		Code:       "OLD",
		Type:       coupon.TypeFixed,
		Value:      d("5"),
		ValidUntil: fixedNow.Add(-time.Hour),
		Active:     true,
	}))

	engine, err := pricing.New(pricing.DefaultConfig())
	require.NoError(t, err)
	ledger := coupon.NewLedger(store, nil)
	notifier := &recordingNotifier{}

	svc, err := booking.NewService(store, engine, ledger,
		booking.WithNotifier(notifier),
		booking.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	return &fixture{store: store, ledger: ledger, svc: svc, notifier: notifier}
}

func request(code string) booking.Request {
	return booking.Request{
		ServiceID:     "house-clean",
		Date:          bookingDate,
		DurationHours: 3,
		Frequency:     "weekly",
		CouponCode:    code,
		Customer:      booking.Customer{Name: "Ada", Email: "ada@example.com"},
	}
}

func usageOf(t *testing.T, s *memory.Store, code string) int {
	t.Helper()
	c, err := s.Coupons().FindByCode(context.Background(), code)
	require.NoError(t, err)
	return c.UsageCount
}

// --- Tests ---

func TestCreateBooking_WithoutCoupon(t *testing.T) {
	f := newFixture(t, time.Second)

	b, err := f.svc.CreateBooking(context.Background(), request(""))
	require.NoError(t, err)

	assert.Equal(t, booking.StatusPending, b.Status)
	assert.Regexp(t, `^BK-20250615-[0-9A-F]{8}$`, b.Number)
	assert.True(t, d("120").Equal(b.Price.BaseAmount))
	assert.True(t, d("12").Equal(b.Price.FrequencyDiscount))
	assert.True(t, d("108").Equal(b.Price.FinalAmount))
	assert.Empty(t, b.CouponID)
	assert.Equal(t, []string{b.Number}, f.notifier.created)
}

func TestCreateBooking_AppliesAndRedeemsCoupon(t *testing.T) {
	f := newFixture(t, time.Second)

	b, err := f.svc.CreateBooking(context.Background(), request("twenty"))
	require.NoError(t, err)

	assert.True(t, d("20").Equal(b.Price.CouponDiscount))
	assert.True(t, d("88").Equal(b.Price.FinalAmount))
	assert.Equal(t, "cp-twenty", b.CouponID)
	assert.Equal(t, "TWENTY", b.CouponCode)
	assert.Equal(t, 1, usageOf(t, f.store, "TWENTY"))
}

func TestCreateBooking_IgnoresUnusableCoupons(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"unknown code", "NOPE"},
		{"expired coupon", "OLD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second)

			b, err := f.svc.CreateBooking(context.Background(), request(tt.code))
			require.NoError(t, err)
			assert.True(t, b.Price.CouponDiscount.IsZero())
			assert.True(t, d("108").Equal(b.Price.FinalAmount))
			assert.Empty(t, b.CouponID)
		})
	}
}

func TestCreateBooking_MinimumOrderNotMetIsIgnored(t *testing.T) {
	f := newFixture(t, time.Second)

	req := request("TWENTY")
	req.DurationHours = 1
	b, err := f.svc.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, b.CouponID)
	assert.Equal(t, 0, usageOf(t, f.store, "TWENTY"))
}

func TestCreateBooking_ServiceNotFound(t *testing.T) {
	f := newFixture(t, time.Second)

	for _, id := range []string{"missing", "retired"} {
		req := request("")
		req.ServiceID = id
		_, err := f.svc.CreateBooking(context.Background(), req)

		var nfErr *booking.NotFoundError
		require.ErrorAs(t, err, &nfErr, id)
		assert.Equal(t, "service", nfErr.Kind)
		assert.Equal(t, id, nfErr.ID)
	}
}

func TestCreateBooking_ValidationErrors(t *testing.T) {
	f := newFixture(t, time.Second)

	tests := []struct {
		name  string
		edit  func(r *booking.Request)
		field string
	}{
		{"zero duration", func(r *booking.Request) { r.DurationHours = 0 }, "duration_hours"},
		{"unknown frequency", func(r *booking.Request) { r.Frequency = "daily" }, "frequency"},
		{"missing service", func(r *booking.Request) { r.ServiceID = " " }, "service_id"},
		{"missing date", func(r *booking.Request) { r.Date = time.Time{} }, "date"},
		{"date in the past", func(r *booking.Request) { r.Date = fixedNow.AddDate(0, 0, -1) }, "date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("TWENTY")
			tt.edit(&req)

			_, err := f.svc.CreateBooking(context.Background(), req)
			var vErr *booking.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
	assert.Equal(t, 0, usageOf(t, f.store, "TWENTY"))
}

func TestCreateBooking_SameDayIsAllowed(t *testing.T) {
	f := newFixture(t, time.Second)

	req := request("")
	req.Date = fixedNow
	_, err := f.svc.CreateBooking(context.Background(), req)
	require.NoError(t, err)
}

func TestCreateBooking_BusyCouponIsRetryable(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.store.WithinCouponTx(context.Background(), func(ctx context.Context, repo coupon.Repository) error {
			_, err := repo.LockByID(ctx, "cp-twenty")
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	_, err := f.svc.CreateBooking(context.Background(), request("TWENTY"))
	close(release)

	var busy *booking.BusyError
	require.ErrorAs(t, err, &busy)
	assert.True(t, busy.Retryable())
	require.ErrorIs(t, err, coupon.ErrBusy)
	assert.Empty(t, f.notifier.created)
}

func TestCreateBooking_NotifierFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, time.Second)
	f.notifier.err = errors.New("smtp down")

	b, err := f.svc.CreateBooking(context.Background(), request("TWENTY"))
	require.NoError(t, err)

	stored, err := f.svc.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Number, stored.Number)
}

func TestCreateBooking_CancelledContextPersistsNothing(t *testing.T) {
	f := newFixture(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.CreateBooking(ctx, request("TWENTY"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, usageOf(t, f.store, "TWENTY"))
}

func TestCreateBooking_ConcurrentLastSlot(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	const callers = 50
	var (
		mu       sync.Mutex
		bookings []*booking.Booking
		start    = make(chan struct{})
	)
	g, ctx := errgroup.WithContext(context.Background())
	for range callers {
		g.Go(func() error {
			<-start
			b, err := f.svc.CreateBooking(ctx, request("ONCE"))
			if err != nil {
				return err
			}
			mu.Lock()
			bookings = append(bookings, b)
			mu.Unlock()
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())
	require.Len(t, bookings, callers)

	discounted := 0
	for _, b := range bookings {
		if b.CouponID != "" {
			discounted++
			assert.True(t, d("12").Equal(b.Price.CouponDiscount))
			continue
		}
		assert.True(t, b.Price.CouponDiscount.IsZero())
		assert.True(t, d("108").Equal(b.Price.FinalAmount))
	}
	assert.Equal(t, 1, discounted)
	assert.Equal(t, 1, usageOf(t, f.store, "ONCE"))

	count, err := f.ledger.RecalculateUsageCount(context.Background(), "cp-once")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateBooking_ConcurrentDistinctCouponsDoNotBlock(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	var failures atomic.Int32
	var g errgroup.Group
	for i := range 20 {
		code := "TWENTY"
		if i%2 == 0 {
			code = ""
		}
		g.Go(func() error {
			if _, err := f.svc.CreateBooking(context.Background(), request(code)); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, failures.Load())
	assert.Equal(t, 10, usageOf(t, f.store, "TWENTY"))
}

func TestRoundTripPreservesBreakdown(t *testing.T) {
	f := newFixture(t, time.Second)

	created, err := f.svc.CreateBooking(context.Background(), request("TWENTY"))
	require.NoError(t, err)

	byNumber, err := f.svc.GetBookingByNumber(context.Background(), created.Number)
	require.NoError(t, err)
	assert.Equal(t, created.Price, byNumber.Price)
	assert.Equal(t, created.CouponID, byNumber.CouponID)

	_, err = f.svc.GetBookingByNumber(context.Background(), "BK-00000000-DEADBEEF")
	var nfErr *booking.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestUpdateStatus_RecalculatesCouponUsage(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, request("ONCE"))
	require.NoError(t, err)
	require.Equal(t, 1, usageOf(t, f.store, "ONCE"))

	updated, err := f.svc.UpdateStatus(ctx, b.ID, booking.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, updated.Status)
	assert.Equal(t, 0, usageOf(t, f.store, "ONCE"))
	assert.Equal(t, []string{"pending->cancelled"}, f.notifier.changed)

	// The freed slot can be used again.
	again, err := f.svc.CreateBooking(ctx, request("ONCE"))
	require.NoError(t, err)
	assert.Equal(t, "cp-once", again.CouponID)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, request(""))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, b.ID, booking.StatusCompleted)
	require.ErrorIs(t, err, booking.ErrInvalidTransition)

	for _, next := range []booking.Status{booking.StatusConfirmed, booking.StatusRescheduled, booking.StatusConfirmed, booking.StatusCompleted} {
		_, err = f.svc.UpdateStatus(ctx, b.ID, next)
		require.NoError(t, err, next)
	}

	_, err = f.svc.UpdateStatus(ctx, b.ID, booking.StatusCancelled)
	var trErr *booking.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, booking.StatusCompleted, trErr.From)

	_, err = f.svc.UpdateStatus(ctx, b.ID, "archived")
	var vErr *booking.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = f.svc.UpdateStatus(ctx, "missing", booking.StatusConfirmed)
	var nfErr *booking.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "booking", nfErr.Kind)
}

func TestQuote(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	q, err := f.svc.Quote(ctx, request("twenty"))
	require.NoError(t, err)
	assert.True(t, q.Breakdown.CouponApplied)
	assert.True(t, d("88").Equal(q.Breakdown.FinalAmount))
	assert.Equal(t, "House cleaning", q.Service.Name)
	assert.Equal(t, 0, usageOf(t, f.store, "TWENTY"))

	q, err = f.svc.Quote(ctx, request("nope"))
	require.NoError(t, err)
	assert.False(t, q.Breakdown.CouponApplied)
	require.ErrorIs(t, q.Breakdown.CouponRejection, coupon.ErrNotFound)
}

func TestStatus_Table(t *testing.T) {
	assert.True(t, booking.StatusPending.CanTransitionTo(booking.StatusConfirmed))
	assert.True(t, booking.StatusRescheduled.CanTransitionTo(booking.StatusCancelled))
	assert.False(t, booking.StatusCancelled.CanTransitionTo(booking.StatusPending))
	assert.False(t, booking.StatusPending.CanTransitionTo(booking.StatusPending))

	assert.True(t, booking.StatusConfirmed.ConsumesCoupon())
	assert.False(t, booking.StatusCancelled.ConsumesCoupon())
	assert.True(t, booking.StatusRescheduled.ConsumesCoupon())
}
