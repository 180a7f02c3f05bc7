// Command usage-repair recomputes coupon usage counters from bookings.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/storage/postgres"
)

type config struct {
	DatabaseURL string        `usage:"PostgreSQL connection URL (BOOKING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Coupon      string        `usage:"Coupon id to repair; every coupon when empty"`
	LockTimeout time.Duration `default:"10s" usage:"Max wait for a coupon lock" flag:"lock-timeout"`
	Dev         bool          `usage:"Human readable logs"`
}

func main() {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BOOKING",
		SkipFiles: true,
	})
	lg := zap.Must(zap.NewProduction())
	if err := loader.Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	if cfg.Dev {
		lg = zap.Must(zap.NewDevelopment())
	}
	defer func() { _ = lg.Sync() }()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Usage repair failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	ledger := coupon.NewLedger(postgres.NewStore(pool, cfg.LockTimeout), lg.Named("coupon"))
	return repair(ctx, lg, ledger, cfg.Coupon)
}

// repairer is implemented by *coupon.Ledger.
type repairer interface {
	RecalculateUsageCount(ctx context.Context, id string) (int, error)
	RecalculateAllUsageCounts(ctx context.Context) (coupon.RepairResult, error)
}

func repair(ctx context.Context, lg *zap.Logger, r repairer, id string) error {
	if id != "" {
		count, err := r.RecalculateUsageCount(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "recalculate %s", id)
		}
		lg.Info("Usage count recalculated", zap.String("coupon_id", id), zap.Int("usage_count", count))
		return nil
	}

	res, err := r.RecalculateAllUsageCounts(ctx)
	if err != nil {
		return errors.Wrap(err, "recalculate all")
	}
	lg.Info("Usage counts recalculated", zap.Int("checked", res.Checked), zap.Int("fixed", res.Fixed))
	return nil
}
