package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/auth"
	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/fixtures"
	"github.com/xenking/servicebook/internal/storage/memory"
	"github.com/xenking/servicebook/internal/storage/postgres"
)

// store is what the application needs from a storage backend.
type store interface {
	booking.Store
	coupon.Transactor
	Ping(ctx context.Context) error
}

type backend struct {
	store   store
	apikeys auth.Repository
	close   func()
}

// openStore connects the configured backend. Postgres is migrated on open,
// memory storage is loaded with the demo fixtures.
func openStore(ctx context.Context, lg *zap.Logger, cfg *Config) (*backend, error) {
	switch cfg.Storage {
	case StorageMemory:
		st := memory.New(cfg.Coupon.LockTimeout)
		for _, svc := range fixtures.Services() {
			st.PutService(svc)
		}
		for _, c := range fixtures.Coupons() {
			if err := st.PutCoupon(c); err != nil {
				return nil, errors.Wrapf(err, "load coupon %s", c.Code)
			}
		}
		if cfg.AdminAPIKey != "" {
			st.PutAPIKey(auth.APIKeyInfo{
				ID:      "admin",
				KeyHash: auth.HashKey([]byte(cfg.APIKeyPepper), cfg.AdminAPIKey),
				Name:    "Startup admin key",
				Scopes:  []string{auth.ScopeAdmin},
			})
		}
		lg.Warn("Using memory storage, data is lost on restart")
		return &backend{store: st, apikeys: st, close: func() {}}, nil

	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		st := postgres.NewStore(pool, cfg.Coupon.LockTimeout)
		return &backend{store: st, apikeys: st.APIKeys(), close: pool.Close}, nil

	default:
		return nil, errors.Errorf("unknown storage %q", cfg.Storage)
	}
}
