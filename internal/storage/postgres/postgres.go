// Package postgres implements booking storage on PostgreSQL. Coupon
// redemption serializes on a row lock taken with SELECT ... FOR UPDATE under
// a transaction-local lock_timeout.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/servicebook/db"
	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

const (
	codeLockNotAvailable = "55P03"
	codeUniqueViolation  = "23505"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, db.Schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ booking.Store     = (*Store)(nil)
	_ coupon.Transactor = (*Store)(nil)
)

// Store binds repositories to a pool and runs transactions on it.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store. Row lock waits inside its transactions give up
// after lockTimeout.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Services returns the catalog repository on the pool.
func (s *Store) Services() catalog.Repository { return &CatalogRepository{q: s.pool} }

// Coupons returns a non-locking coupon lookup on the pool.
func (s *Store) Coupons() coupon.Finder { return &CouponRepository{q: s.pool} }

// Bookings returns the booking read side on the pool.
func (s *Store) Bookings() booking.Reader { return &BookingRepository{q: s.pool} }

// APIKeys returns the API key repository on the pool.
func (s *Store) APIKeys() *APIKeyRepository { return &APIKeyRepository{q: s.pool} }

// WithinTx implements booking.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow booking.UnitOfWork) error) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, unit{tx: tx})
	})
}

// WithinCouponTx implements coupon.Transactor.
func (s *Store) WithinCouponTx(ctx context.Context, fn func(ctx context.Context, repo coupon.Repository) error) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &CouponRepository{q: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
				return fmt.Errorf("setting lock timeout: %w", err)
			}
		}
		return fn(ctx, tx)
	})
}

type unit struct{ tx pgx.Tx }

func (u unit) Services() catalog.Repository { return &CatalogRepository{q: u.tx} }
func (u unit) Coupons() coupon.Repository   { return &CouponRepository{q: u.tx} }
func (u unit) Bookings() booking.Repository { return &BookingRepository{q: u.tx} }

func pgCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isLockTimeout(err error) bool {
	code, _ := pgCode(err)
	return code == codeLockNotAvailable
}
