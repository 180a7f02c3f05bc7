package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/notify"
)

// RunNotifier consumes notification tasks until ctx is cancelled.
func RunNotifier(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	if cfg.Redis.URL == "" {
		return errors.New("redis URL is required: set BOOKING_REDIS_URL or REDIS_URL")
	}
	if cfg.Storage == StorageMemory {
		lg.Warn("Memory storage is process local, reminders for bookings made elsewhere are skipped")
	}

	be, err := openStore(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	var mailer notify.Mailer
	if cfg.Mail.Host != "" {
		m, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
		if err != nil {
			return errors.Wrap(err, "create mailer")
		}
		mailer = m
	} else {
		lg.Warn("SMTP host is not configured, mail is logged only")
		mailer = notify.NewLogMailer(lg.Named("mail"))
	}

	queueOpt, err := notify.RedisOpt(cfg.Redis.URL, cfg.Queue.DB)
	if err != nil {
		return errors.Wrap(err, "queue redis")
	}
	srv := asynq.NewServer(queueOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Logger:          lg.Named("asynq").Sugar(),
		ShutdownTimeout: cfg.Graceful.ShutdownTimeout,
		BaseContext: func() context.Context {
			return zctx.Base(context.Background(), lg)
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return time.Duration(n+1) * 30 * time.Second
		},
	})

	mux := asynq.NewServeMux()
	notify.NewWorker(mailer, be.store.Bookings(), cfg.Mail.Admin, lg.Named("worker")).Register(mux)

	lg.Info("Notifier starting", zap.Int("concurrency", cfg.Queue.Concurrency))
	if err := srv.Start(mux); err != nil {
		return errors.Wrap(err, "start notifier")
	}
	<-ctx.Done()
	lg.Info("Shutting down notifier")
	srv.Shutdown()
	return nil
}
