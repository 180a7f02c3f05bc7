// Command seed-db loads the demo catalog, demo coupons and an admin API key.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/auth"
	"github.com/xenking/servicebook/internal/fixtures"
	"github.com/xenking/servicebook/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
		dev          bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or BOOKING_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or BOOKING_API_KEY_PEPPER env)")
	flag.BoolVar(&dev, "dev", false, "human readable logs")
	flag.Parse()

	lg := zap.Must(zap.NewProduction())
	if dev {
		lg = zap.Must(zap.NewDevelopment())
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("BOOKING_SEED_API_KEY")
	}
	if apiKey == "" {
		lg.Fatal("API key is required: set --api-key or BOOKING_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("BOOKING_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, apiKey, apiKeyPepper); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, apiKey, pepper string) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	st := postgres.NewStore(pool, 0)

	for _, svc := range fixtures.Services() {
		if err := st.UpsertService(ctx, svc); err != nil {
			return errors.Wrap(err, "seed services")
		}
		lg.Info("Upserted service", zap.String("id", svc.ID), zap.Bool("active", svc.Active))
	}

	coupons := fixtures.Coupons()
	if err := st.UpsertCoupons(ctx, coupons); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	for _, c := range coupons {
		lg.Info("Upserted coupon", zap.String("code", c.Code), zap.String("description", c.Description))
	}

	if err := st.APIKeys().Upsert(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeAdmin},
	}); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	lg.Info("Upserted API key", zap.String("id", "default"))
	return nil
}
