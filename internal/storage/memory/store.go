// Package memory is a process-local storage backend. Transactions apply
// writes immediately and undo them on rollback; per-row exclusivity comes
// from a keyed lock table with bounded waits.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/servicebook/internal/domain/auth"
	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

// DefaultLockTimeout bounds how long a transaction waits for a row lock.
const DefaultLockTimeout = 3 * time.Second

var (
	_ booking.Store     = (*Store)(nil)
	_ coupon.Transactor = (*Store)(nil)
	_ auth.Repository   = (*Store)(nil)
)

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	services map[string]catalog.Service
	coupons  map[string]coupon.Coupon
	codes    map[string]string
	bookings map[string]booking.Booking
	numbers  map[string]string
	apikeys  map[string]auth.APIKeyInfo

	locks       *keyedLocks
	lockTimeout time.Duration
}

// New creates an empty Store. A non-positive lockTimeout selects
// DefaultLockTimeout.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		services:    make(map[string]catalog.Service),
		coupons:     make(map[string]coupon.Coupon),
		codes:       make(map[string]string),
		bookings:    make(map[string]booking.Booking),
		numbers:     make(map[string]string),
		apikeys:     make(map[string]auth.APIKeyInfo),
		locks:       newKeyedLocks(),
		lockTimeout: lockTimeout,
	}
}

// PutService inserts or replaces a service.
func (s *Store) PutService(svc catalog.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
}

// PutCoupon inserts or replaces a coupon, indexing it by normalized code.
func (s *Store) PutCoupon(c coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := coupon.NormalizeCode(c.Code)
	if id, ok := s.codes[code]; ok && id != c.ID {
		return errors.Errorf("coupon code %q already used by %s", code, id)
	}
	if prev, ok := s.coupons[c.ID]; ok {
		delete(s.codes, coupon.NormalizeCode(prev.Code))
	}
	c.CategoryIDs = slices.Clone(c.CategoryIDs)
	c.ServiceIDs = slices.Clone(c.ServiceIDs)
	s.coupons[c.ID] = c
	s.codes[code] = c.ID
	return nil
}

// PutAPIKey stores an API key under its hash.
func (s *Store) PutAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apikeys[info.KeyHash] = info
}

// FindByHash implements auth.Repository.
func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.apikeys[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return &info, nil
}

// Ping reports the store as always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Services returns the catalog view.
func (s *Store) Services() catalog.Repository { return catalogRepo{s} }

// Coupons returns a non-locking coupon lookup.
func (s *Store) Coupons() coupon.Finder { return couponFinder{s} }

// Bookings returns the booking read side.
func (s *Store) Bookings() booking.Reader { return bookingReader{s} }

// WithinTx implements booking.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow booking.UnitOfWork) error) error {
	return s.run(ctx, func(ctx context.Context, t *tx) error {
		return fn(ctx, t)
	})
}

// WithinCouponTx implements coupon.Transactor.
func (s *Store) WithinCouponTx(ctx context.Context, fn func(ctx context.Context, repo coupon.Repository) error) error {
	return s.run(ctx, func(ctx context.Context, t *tx) error {
		return fn(ctx, couponTx{t})
	})
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{s: s, held: make(map[string]struct{})}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	// An abandoned caller never commits.
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true
	t.release()
	return nil
}

type tx struct {
	s    *Store
	held map[string]struct{}
	undo []func()
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	return nil
}

// onRollback registers fn. Callers hold t.s.mu when fn is registered and fn
// runs with t.s.mu held.
func (t *tx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *tx) rollback() {
	if len(t.undo) > 0 {
		t.s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		t.s.mu.Unlock()
		t.undo = nil
	}
	t.release()
}

func (t *tx) release() {
	for key := range t.held {
		t.s.locks.release(key)
	}
	clear(t.held)
}

func (t *tx) Services() catalog.Repository { return catalogRepo{t.s} }
func (t *tx) Coupons() coupon.Repository   { return couponTx{t} }
func (t *tx) Bookings() booking.Repository { return bookingTx{t} }

// --- catalog ---

type catalogRepo struct{ s *Store }

func (r catalogRepo) List(_ context.Context) ([]catalog.Service, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]catalog.Service, 0, len(r.s.services))
	for _, svc := range r.s.services {
		if svc.Active {
			out = append(out, svc)
		}
	}
	slices.SortFunc(out, func(a, b catalog.Service) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (r catalogRepo) GetByID(_ context.Context, id string) (*catalog.Service, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	svc, ok := r.s.services[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &svc, nil
}

// --- coupons ---

func (s *Store) couponByCode(code string) (coupon.Coupon, bool) {
	id, ok := s.codes[coupon.NormalizeCode(code)]
	if !ok {
		return coupon.Coupon{}, false
	}
	c, ok := s.coupons[id]
	return c, ok
}

func copyCoupon(c coupon.Coupon) *coupon.Coupon {
	c.CategoryIDs = slices.Clone(c.CategoryIDs)
	c.ServiceIDs = slices.Clone(c.ServiceIDs)
	return &c
}

type couponFinder struct{ s *Store }

func (f couponFinder) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	c, ok := f.s.couponByCode(code)
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return copyCoupon(c), nil
}

type couponTx struct{ t *tx }

func (r couponTx) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return couponFinder{r.t.s}.FindByCode(ctx, code)
}

func (r couponTx) LockByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	r.t.s.mu.RLock()
	c, ok := r.t.s.couponByCode(code)
	r.t.s.mu.RUnlock()
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return r.LockByID(ctx, c.ID)
}

func (r couponTx) LockByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	if err := r.t.lock(ctx, "coupon:"+id); err != nil {
		if errors.Is(err, errLockTimeout) {
			return nil, coupon.ErrBusy
		}
		return nil, err
	}

	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	c, ok := r.t.s.coupons[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return copyCoupon(c), nil
}

func (r couponTx) IncrementUsage(_ context.Context, id string) (int, error) {
	s := r.t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return 0, coupon.ErrNotFound
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return 0, coupon.ErrUsageLimitReached
	}
	prev := c.UsageCount
	c.UsageCount++
	s.coupons[id] = c
	r.t.onRollback(func() { restoreUsage(s, id, prev) })
	return c.UsageCount, nil
}

func (r couponTx) CountUsage(_ context.Context, id string) (int, error) {
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()

	n := 0
	for _, b := range r.t.s.bookings {
		if b.CouponID == id && b.Status.ConsumesCoupon() {
			n++
		}
	}
	return n, nil
}

func (r couponTx) SetUsageCount(_ context.Context, id string, count int) error {
	s := r.t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	prev := c.UsageCount
	c.UsageCount = count
	s.coupons[id] = c
	r.t.onRollback(func() { restoreUsage(s, id, prev) })
	return nil
}

func (r couponTx) ListIDs(_ context.Context) ([]string, error) {
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()

	ids := make([]string, 0, len(r.t.s.coupons))
	for id := range r.t.s.coupons {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func restoreUsage(s *Store, id string, count int) {
	if c, ok := s.coupons[id]; ok {
		c.UsageCount = count
		s.coupons[id] = c
	}
}

// --- bookings ---

type bookingReader struct{ s *Store }

func (r bookingReader) GetByID(_ context.Context, id string) (*booking.Booking, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

func (r bookingReader) GetByNumber(ctx context.Context, number string) (*booking.Booking, error) {
	r.s.mu.RLock()
	id, ok := r.s.numbers[number]
	r.s.mu.RUnlock()
	if !ok {
		return nil, booking.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

type bookingTx struct{ t *tx }

func (r bookingTx) GetByID(ctx context.Context, id string) (*booking.Booking, error) {
	return bookingReader{r.t.s}.GetByID(ctx, id)
}

func (r bookingTx) GetByNumber(ctx context.Context, number string) (*booking.Booking, error) {
	return bookingReader{r.t.s}.GetByNumber(ctx, number)
}

func (r bookingTx) Create(_ context.Context, b *booking.Booking) error {
	s := r.t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.numbers[b.Number]; ok {
		return booking.ErrDuplicateNumber
	}
	if _, ok := s.bookings[b.ID]; ok {
		return errors.Errorf("booking %s already exists", b.ID)
	}
	s.bookings[b.ID] = *b
	s.numbers[b.Number] = b.ID

	id, number := b.ID, b.Number
	r.t.onRollback(func() {
		delete(s.bookings, id)
		delete(s.numbers, number)
	})
	return nil
}

func (r bookingTx) LockByID(ctx context.Context, id string) (*booking.Booking, error) {
	if err := r.t.lock(ctx, "booking:"+id); err != nil {
		if errors.Is(err, errLockTimeout) {
			return nil, booking.ErrBusy
		}
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r bookingTx) UpdateStatus(_ context.Context, id string, status booking.Status, at time.Time) error {
	s := r.t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return booking.ErrNotFound
	}
	prev := b
	b.Status = status
	b.UpdatedAt = at
	s.bookings[id] = b
	r.t.onRollback(func() { s.bookings[id] = prev })
	return nil
}
