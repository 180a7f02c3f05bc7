package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/domain/pricing"
	"github.com/xenking/servicebook/internal/handler"
	"github.com/xenking/servicebook/internal/notify"
	"github.com/xenking/servicebook/internal/storage/rediscache"
	"github.com/xenking/servicebook/pkg/health"
	"github.com/xenking/servicebook/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	pricingCfg := pricing.DefaultConfig()
	if cfg.Pricing.File != "" {
		var err error
		if pricingCfg, err = pricing.LoadConfig(cfg.Pricing.File); err != nil {
			return errors.Wrap(err, "load pricing")
		}
	}
	engine, err := pricing.New(pricingCfg)
	if err != nil {
		return errors.Wrap(err, "create pricing engine")
	}

	be, err := openStore(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck(cfg.Storage, 5*time.Second, health.PingCheck(cfg.Storage, be.store))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(500*time.Millisecond))

	opts := []booking.Option{
		booking.WithLogger(lg.Named("booking")),
		booking.WithTracerProvider(m.TracerProvider()),
		booking.WithMeterProvider(m.MeterProvider()),
	}
	var services catalog.Repository = be.store.Services()

	// Redis backs the catalog cache and the notification queue.
	if cfg.Redis.URL != "" {
		rdb, err := rediscache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second,
			health.PingCheck("redis", health.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})),
			health.WithFailureThreshold(3),
		)

		services = rediscache.NewCatalog(services, rdb, cfg.Redis.CacheTTL, lg.Named("cache"))
		opts = append(opts, booking.WithCatalog(services))

		queueOpt, err := notify.RedisOpt(cfg.Redis.URL, cfg.Queue.DB)
		if err != nil {
			return errors.Wrap(err, "queue redis")
		}
		queue := asynq.NewClient(queueOpt)
		defer func() { _ = queue.Close() }()
		opts = append(opts, booking.WithNotifier(
			notify.NewDispatcher(queue, cfg.Queue.ReminderLead, lg.Named("notify")),
		))
	} else {
		lg.Warn("Redis is not configured, catalog cache and notifications are disabled")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Domain services.
	ledger := coupon.NewLedger(be.store, lg.Named("coupon"))
	bookings, err := booking.NewService(be.store, engine, ledger, opts...)
	if err != nil {
		return errors.Wrap(err, "create booking service")
	}

	// HTTP handlers.
	h := handler.New(
		handler.Config{
			APIKeyPepper:   []byte(cfg.APIKeyPepper),
			BusyRetryAfter: cfg.Coupon.LockTimeout,
		},
		services,
		bookings,
		ledger,
		be.apikeys,
	)

	// Router: health endpoints + API routes on one server.
	r := chi.NewRouter()
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(r)
	routeFinder := httpmiddleware.MakeRouteFinder(r)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-API-Key", "api_key", "X-Request-ID"},
				ExposeHeaders:    []string{"Location", "Retry-After", "X-Request-ID"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("servicebook-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
