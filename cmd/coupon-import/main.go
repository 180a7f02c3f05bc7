// Command coupon-import loads coupon campaigns from gzip-compressed CSV files.
//
// Codes defined in more than one file are reported and skipped. Invalid rows
// are logged and skipped unless -strict is set.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/storage/postgres"
)

const (
	defaultExpected = 1_000_000
	defaultFPR      = 0.001
	defaultBatch    = 500
)

// couponWriter is implemented by *postgres.Store.
type couponWriter interface {
	UpsertCoupons(ctx context.Context, coupons []coupon.Coupon) error
}

type importer struct {
	scanner *scanner
	w       couponWriter
	batch   int
	strict  bool
	dryRun  bool
	lg      *zap.Logger
}

// importStats summarises one run.
type importStats struct {
	Imported  int
	Invalid   int
	Conflicts int
}

func main() {
	var (
		databaseURL string
		expected    uint
		batch       int
		strict      bool
		dryRun      bool
		dev         bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", defaultExpected, "expected codes per file, sizes the bloom filters")
	flag.IntVar(&batch, "batch", defaultBatch, "coupons per database round trip")
	flag.BoolVar(&strict, "strict", false, "abort on the first invalid row")
	flag.BoolVar(&dryRun, "dry-run", false, "validate files without writing")
	flag.BoolVar(&dev, "dev", false, "human readable logs")
	flag.Parse()

	lg := newLogger(dev)
	defer func() { _ = lg.Sync() }()

	files := flag.Args()
	if len(files) == 0 {
		lg.Fatal("No input files: pass one or more .csv.gz paths")
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	imp := &importer{
		scanner: &scanner{expected: expected, fpr: defaultFPR, lg: lg},
		batch:   batch,
		strict:  strict,
		dryRun:  dryRun,
		lg:      lg,
	}
	if err := run(ctx, imp, databaseURL, files); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func run(ctx context.Context, imp *importer, databaseURL string, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	if !imp.dryRun {
		imp.lg.Info("Connecting to database")
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		imp.w = postgres.NewStore(pool, 0)
	}

	stats, err := imp.Import(ctx, files)
	if err != nil {
		return err
	}
	imp.lg.Info("Coupon import completed",
		zap.Int("imported", stats.Imported),
		zap.Int("invalid", stats.Invalid),
		zap.Int("conflicts", stats.Conflicts),
		zap.Bool("dry_run", imp.dryRun),
	)
	return nil
}

// Import finds cross-file conflicts, then streams every file once more and
// upserts the remaining definitions in batches.
func (imp *importer) Import(ctx context.Context, files []string) (importStats, error) {
	var stats importStats

	conflicts, err := imp.scanner.findConflicts(ctx, files)
	if err != nil {
		return stats, errors.Wrap(err, "find conflicts")
	}
	stats.Conflicts = len(conflicts)
	for code := range conflicts {
		imp.lg.Warn("Code defined in several files, skipped", zap.String("code", code))
	}

	imp.lg.Info("Pass 3: importing coupons")
	pending := make([]coupon.Coupon, 0, imp.batch)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if !imp.dryRun {
			if err := imp.w.UpsertCoupons(ctx, pending); err != nil {
				return errors.Wrap(err, "upsert coupons")
			}
		}
		stats.Imported += len(pending)
		pending = pending[:0]
		return nil
	}

	for _, path := range files {
		err := streamGzCSV(ctx, path, func(line int, h header, rec []string) error {
			c, err := parseCoupon(h, rec)
			if err != nil {
				if imp.strict {
					return errors.Wrapf(err, "%s:%d", path, line)
				}
				stats.Invalid++
				imp.lg.Warn("Invalid coupon row, skipped",
					zap.String("file", path),
					zap.Int("line", line),
					zap.Error(err),
				)
				return nil
			}
			if _, ok := conflicts[c.Code]; ok {
				return nil
			}
			pending = append(pending, c)
			if len(pending) >= imp.batch {
				return flush()
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
