package main

import (
	"context"
	"encoding/csv"
	"io"
	"math/bits"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/servicebook/internal/domain/coupon"
)

// maxFiles is bounded by the width of the per-code file bitmask.
const maxFiles = bits.UintSize

// scanner streams campaign files. Codes defined by more than one file are
// conflicts: no file is authoritative for them, so they are not imported.
type scanner struct {
	expected uint
	fpr      float64
	lg       *zap.Logger
}

// recordFunc receives each data row with its 1-based line number.
type recordFunc func(line int, h header, rec []string) error

// streamGzCSV opens a gzip-compressed CSV file and calls fn for each data row.
func streamGzCSV(ctx context.Context, path string, fn recordFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'
	r.ReuseRecord = true

	first, err := r.Read()
	if err != nil {
		return errors.Wrapf(err, "read header of %s", path)
	}
	h, err := parseHeader(first)
	if err != nil {
		return errors.Wrapf(err, "header of %s", path)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		line, _ := r.FieldPos(0)
		if err := fn(line, h, rec); err != nil {
			return err
		}
	}
}

// findConflicts runs the two scanning passes and returns the codes present
// in at least two files.
func (s *scanner) findConflicts(ctx context.Context, files []string) (map[string]struct{}, error) {
	if len(files) > maxFiles {
		return nil, errors.Errorf("at most %d files are supported, got %d", maxFiles, len(files))
	}
	if len(files) < 2 {
		return map[string]struct{}{}, nil
	}

	s.lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := s.buildFilters(ctx, files)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	s.lg.Info("Pass 2: finding codes shared between files")
	masks := make([]map[string]uint, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			m, err := s.candidates(gctx, i, path, filters)
			if err != nil {
				return errors.Wrapf(err, "scan file %d for shared codes", i+1)
			}
			masks[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// A bloom false positive only sets the bit of the file the code really
	// is in, so a code with two bits is in two files.
	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}
	conflicts := make(map[string]struct{})
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			conflicts[code] = struct{}{}
		}
	}
	return conflicts, nil
}

func (s *scanner) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(s.expected, s.fpr)
			var count int
			if err := streamGzCSV(ctx, path, func(_ int, h header, rec []string) error {
				if code := coupon.NormalizeCode(h.get(rec, colCode)); code != "" {
					filter.AddString(code)
					count++
				}
				return nil
			}); err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}
			s.lg.Info("Pass 1 complete", zap.String("file", path), zap.Int("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// candidates returns the codes of file idx that test positive in another
// file's filter, each tagged with idx's bit.
func (s *scanner) candidates(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) (map[string]uint, error) {
	out := make(map[string]uint)
	fileBit := uint(1) << uint(idx)

	err := streamGzCSV(ctx, path, func(_ int, h header, rec []string) error {
		code := coupon.NormalizeCode(h.get(rec, colCode))
		if code == "" {
			return nil
		}
		for j, f := range filters {
			if j != idx && f.TestString(code) {
				out[code] |= fileBit
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.lg.Info("Pass 2 complete", zap.String("file", path), zap.Int("candidates", len(out)))
	return out, nil
}
