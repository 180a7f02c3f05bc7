// Package booking creates bookings atomically with their price snapshot and
// coupon redemption.
package booking

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/domain/pricing"
)

const (
	numberAttempts = 3
	notifyTimeout  = 10 * time.Second
)

// Quote is a price preview. Nothing is locked or persisted to produce it.
type Quote struct {
	Service   catalog.Service
	Breakdown pricing.Breakdown
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) { s.lg = lg }
}

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithCatalog overrides the non-transactional service lookup used by Quote,
// for example with a cache.
func WithCatalog(r catalog.Repository) Option {
	return func(s *Service) { s.catalog = r }
}

// WithMeterProvider sets the provider booking counters are created from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.mp = mp }
}

// WithTracerProvider sets the provider spans are started from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tp = tp }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the booking transaction orchestrator.
type Service struct {
	store    Store
	catalog  catalog.Repository
	engine   *pricing.Engine
	ledger   *coupon.Ledger
	notifier Notifier
	lg       *zap.Logger
	now      func() time.Time

	mp     metric.MeterProvider
	tp     trace.TracerProvider
	tracer trace.Tracer

	created  metric.Int64Counter
	redeemed metric.Int64Counter
	ignored  metric.Int64Counter
	busy     metric.Int64Counter
}

// NewService creates a booking Service.
func NewService(store Store, engine *pricing.Engine, ledger *coupon.Ledger, opts ...Option) (*Service, error) {
	s := &Service{
		store:  store,
		engine: engine,
		ledger: ledger,
		lg:     zap.NewNop(),
		now:    time.Now,
		mp:     metricnoop.NewMeterProvider(),
		tp:     tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.catalog == nil {
		s.catalog = store.Services()
	}
	s.tracer = s.tp.Tracer("servicebook/booking")

	meter := s.mp.Meter("servicebook/booking")
	var err error
	if s.created, err = meter.Int64Counter("booking.created",
		metric.WithDescription("Bookings committed"),
	); err != nil {
		return nil, errors.Wrap(err, "booking.created counter")
	}
	if s.redeemed, err = meter.Int64Counter("coupon.redeemed",
		metric.WithDescription("Coupon uses consumed by committed bookings"),
	); err != nil {
		return nil, errors.Wrap(err, "coupon.redeemed counter")
	}
	if s.ignored, err = meter.Int64Counter("coupon.ignored",
		metric.WithDescription("Supplied coupons that were not applied"),
	); err != nil {
		return nil, errors.Wrap(err, "coupon.ignored counter")
	}
	if s.busy, err = meter.Int64Counter("booking.busy",
		metric.WithDescription("Booking calls rejected by lock wait timeout"),
	); err != nil {
		return nil, errors.Wrap(err, "booking.busy counter")
	}
	return s, nil
}

type validated struct {
	frequency pricing.Frequency
	date      time.Time
	code      string
}

func (s *Service) validate(req Request, now time.Time) (validated, error) {
	var v validated
	if strings.TrimSpace(req.ServiceID) == "" {
		return v, &ValidationError{Field: "service_id", Reason: "is required"}
	}
	if req.DurationHours < 1 {
		return v, &ValidationError{Field: "duration_hours", Reason: "must be at least 1"}
	}
	f, err := pricing.ParseFrequency(req.Frequency)
	if err != nil {
		return v, &ValidationError{Field: "frequency", Reason: "unknown value " + req.Frequency}
	}
	if req.Date.IsZero() {
		return v, &ValidationError{Field: "date", Reason: "is required"}
	}
	y, m, d := req.Date.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	ty, tm, td := now.UTC().Date()
	if date.Before(time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)) {
		return v, &ValidationError{Field: "date", Reason: "must not be in the past"}
	}
	v.frequency = f
	v.date = date
	v.code = coupon.NormalizeCode(req.CouponCode)
	return v, nil
}

func (s *Service) price(svc *catalog.Service, v validated, req Request, c *coupon.Coupon, now time.Time) (pricing.Breakdown, error) {
	b, err := s.engine.Compute(pricing.Request{
		BasePrice:     svc.BasePrice,
		DurationHours: req.DurationHours,
		Frequency:     v.frequency,
		Date:          v.date,
		Coupon:        c,
		Target:        coupon.Target{ServiceID: svc.ID, CategoryID: svc.CategoryID},
		At:            now,
	})
	if err != nil {
		var pErr *pricing.ValidationError
		if errors.As(err, &pErr) {
			return b, &ValidationError{Field: pErr.Field, Reason: pErr.Reason}
		}
		return b, errors.Wrap(err, "compute price")
	}
	return b, nil
}

func activeService(ctx context.Context, r catalog.Repository, id string) (*catalog.Service, error) {
	svc, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{Kind: "service", ID: id}
		}
		return nil, errors.Wrap(err, "get service")
	}
	if !svc.Active {
		return nil, &NotFoundError{Kind: "service", ID: id}
	}
	return svc, nil
}

// Quote prices req without locking the coupon or persisting anything.
func (s *Service) Quote(ctx context.Context, req Request) (*Quote, error) {
	now := s.now()
	v, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}
	svc, err := activeService(ctx, s.catalog, req.ServiceID)
	if err != nil {
		return nil, err
	}

	var (
		c       *coupon.Coupon
		missing bool
	)
	if v.code != "" {
		c, err = s.store.Coupons().FindByCode(ctx, v.code)
		switch {
		case errors.Is(err, coupon.ErrNotFound):
			missing = true
		case err != nil:
			return nil, errors.Wrap(err, "find coupon")
		}
	}

	b, err := s.price(svc, v, req, c, now)
	if err != nil {
		return nil, err
	}
	if missing {
		b.CouponRejection = coupon.ErrNotFound
	}
	return &Quote{Service: *svc, Breakdown: b}, nil
}

// CreateBooking prices req and persists a pending booking in one
// transaction. A supplied coupon is locked, validated and, when it yields a
// discount, redeemed in that same transaction. An unknown or unusable coupon
// does not fail the booking; it is priced without discount.
func (s *Service) CreateBooking(ctx context.Context, req Request) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Create",
		trace.WithAttributes(attribute.String("service.id", req.ServiceID)),
	)
	defer span.End()

	b, err := s.createBooking(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create booking")

		var busy *BusyError
		if errors.As(err, &busy) {
			s.busy.Add(ctx, 1)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.number", b.Number))

	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("frequency", string(b.Frequency))))
	if b.CouponID != "" {
		s.redeemed.Add(ctx, 1)
	}
	s.dispatch(ctx, "BookingCreated", b, func(ctx context.Context) error {
		return s.notifier.BookingCreated(ctx, b)
	})
	return b, nil
}

func (s *Service) createBooking(ctx context.Context, req Request) (*Booking, error) {
	now := s.now()
	v, err := s.validate(req, now)
	if err != nil {
		return nil, err
	}

	var b *Booking
	for attempt := 1; ; attempt++ {
		b, err = s.createOnce(ctx, req, v, now)
		if errors.Is(err, ErrDuplicateNumber) && attempt < numberAttempts {
			continue
		}
		break
	}
	if err != nil {
		return nil, busyOr(err, "coupon")
	}
	return b, nil
}

func (s *Service) createOnce(ctx context.Context, req Request, v validated, now time.Time) (*Booking, error) {
	var b *Booking
	err := s.store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		svc, err := activeService(ctx, uow.Services(), req.ServiceID)
		if err != nil {
			return err
		}

		var c *coupon.Coupon
		if v.code != "" {
			c, err = s.ledger.Acquire(ctx, uow.Coupons(), v.code)
			switch {
			case errors.Is(err, coupon.ErrNotFound):
				s.couponIgnored(ctx, v.code, err)
			case err != nil:
				return err
			}
		}

		br, err := s.price(svc, v, req, c, now)
		if err != nil {
			return err
		}
		if br.CouponRejection != nil {
			s.couponIgnored(ctx, v.code, br.CouponRejection)
		}

		b = &Booking{
			ID:            newID(),
			Number:        NewNumber(now),
			ServiceID:     svc.ID,
			ServiceName:   svc.Name,
			Date:          v.date,
			DurationHours: req.DurationHours,
			Frequency:     v.frequency,
			Customer:      req.Customer,
			Price:         PriceOf(br),
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if br.CouponApplied {
			b.CouponID = c.ID
			b.CouponCode = c.Code
		}

		if err := uow.Bookings().Create(ctx, b); err != nil {
			if errors.Is(err, ErrDuplicateNumber) {
				return err
			}
			return errors.Wrap(err, "insert booking")
		}

		if br.CouponApplied {
			res, err := s.ledger.Redeem(ctx, uow.Coupons(), c)
			if err != nil {
				return errors.Wrap(err, "redeem coupon")
			}
			s.lg.Debug("Coupon redeemed",
				zap.String("coupon_id", res.CouponID),
				zap.Int("usage_count", res.UsageCount),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) couponIgnored(ctx context.Context, code string, reason error) {
	s.ignored.Add(ctx, 1)
	s.lg.Info("Coupon not applied",
		zap.String("code", code),
		zap.NamedError("reason", reason),
	)
}

// UpdateStatus moves a booking to next and, in the same transaction,
// recomputes the usage count of the coupon it references.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Booking, error) {
	if !next.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "unknown value " + string(next)}
	}
	ctx, span := s.tracer.Start(ctx, "booking.UpdateStatus",
		trace.WithAttributes(
			attribute.String("booking.id", id),
			attribute.String("booking.status", string(next)),
		),
	)
	defer span.End()

	now := s.now()
	var (
		b    *Booking
		prev Status
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		cur, err := uow.Bookings().LockByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return &NotFoundError{Kind: "booking", ID: id}
			}
			return err
		}
		if !cur.Status.CanTransitionTo(next) {
			return &InvalidTransitionError{From: cur.Status, To: next}
		}
		if err := uow.Bookings().UpdateStatus(ctx, id, next, now); err != nil {
			return errors.Wrap(err, "update status")
		}
		prev = cur.Status
		cur.Status = next
		cur.UpdatedAt = now

		if cur.CouponID != "" {
			_, _, err := s.ledger.RecalculateInTx(ctx, uow.Coupons(), cur.CouponID)
			if err != nil && !errors.Is(err, coupon.ErrNotFound) {
				return err
			}
		}
		b = cur
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update status")
		return nil, busyOr(err, "booking")
	}

	s.dispatch(ctx, "BookingStatusChanged", b, func(ctx context.Context) error {
		return s.notifier.BookingStatusChanged(ctx, b, prev)
	})
	return b, nil
}

// GetBooking returns a booking by id.
func (s *Service) GetBooking(ctx context.Context, id string) (*Booking, error) {
	b, err := s.store.Bookings().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "booking", ID: id}
		}
		return nil, errors.Wrap(err, "get booking")
	}
	return b, nil
}

// GetBookingByNumber returns a booking by its public number.
func (s *Service) GetBookingByNumber(ctx context.Context, number string) (*Booking, error) {
	b, err := s.store.Bookings().GetByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: "booking", ID: number}
		}
		return nil, errors.Wrap(err, "get booking")
	}
	return b, nil
}

// dispatch runs a post-commit side effect. Failures are logged only.
func (s *Service) dispatch(ctx context.Context, what string, b *Booking, fn func(ctx context.Context) error) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.lg.Warn("Post-commit notification failed",
			zap.String("event", what),
			zap.String("booking", b.Number),
			zap.Error(err),
		)
	}
}

func busyOr(err error, resource string) error {
	if errors.Is(err, coupon.ErrBusy) || errors.Is(err, ErrBusy) {
		return &BusyError{Resource: resource, Err: err}
	}
	return err
}
