package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/servicebook/internal/domain/coupon"
)

// Columns of a campaign file. Only code, type and value are required.
const (
	colCode        = "code"
	colType        = "type"
	colValue       = "value"
	colMinOrder    = "min_order_amount"
	colMaxDiscount = "max_discount_amount"
	colUsageLimit  = "usage_limit"
	colValidFrom   = "valid_from"
	colValidUntil  = "valid_until"
	colCategories  = "category_ids"
	colServices    = "service_ids"
	colDescription = "description"
)

var requiredColumns = []string{colCode, colType, colValue}

// header maps column names to their index.
type header map[string]int

func parseHeader(rec []string) (header, error) {
	h := make(header, len(rec))
	for i, name := range rec {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := h[name]; dup {
			return nil, errors.Errorf("duplicate column %q", name)
		}
		h[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := h[name]; !ok {
			return nil, errors.Errorf("missing column %q", name)
		}
	}
	return h, nil
}

func (h header) get(rec []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseCoupon builds a coupon definition from one CSV record. Imported
// coupons are active; the usage counter is not part of a definition.
func parseCoupon(h header, rec []string) (coupon.Coupon, error) {
	c := coupon.Coupon{
		ID:          uuid.NewString(),
		Code:        coupon.NormalizeCode(h.get(rec, colCode)),
		Type:        coupon.Type(strings.ToLower(h.get(rec, colType))),
		Active:      true,
		Description: h.get(rec, colDescription),
	}
	if c.Code == "" {
		return c, errors.New("empty code")
	}
	if !c.Type.Valid() {
		return c, errors.Errorf("unknown type %q", c.Type)
	}

	var err error
	if c.Value, err = decimal.NewFromString(h.get(rec, colValue)); err != nil {
		return c, errors.Wrap(err, colValue)
	}
	if !c.Value.IsPositive() {
		return c, errors.Errorf("value %s must be positive", c.Value)
	}
	if c.Type == coupon.TypePercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.Errorf("percentage %s exceeds 100", c.Value)
	}
	if c.MinOrderAmount, err = nullDecimal(h.get(rec, colMinOrder)); err != nil {
		return c, errors.Wrap(err, colMinOrder)
	}
	if c.MaxDiscountAmount, err = nullDecimal(h.get(rec, colMaxDiscount)); err != nil {
		return c, errors.Wrap(err, colMaxDiscount)
	}
	if v := h.get(rec, colUsageLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c, errors.Errorf("usage_limit %q must be a non-negative integer", v)
		}
		c.UsageLimit = &n
	}
	if c.ValidFrom, err = parseTime(h.get(rec, colValidFrom), false); err != nil {
		return c, errors.Wrap(err, colValidFrom)
	}
	if c.ValidUntil, err = parseTime(h.get(rec, colValidUntil), true); err != nil {
		return c, errors.Wrap(err, colValidUntil)
	}
	if !c.ValidFrom.IsZero() && !c.ValidUntil.IsZero() && c.ValidUntil.Before(c.ValidFrom) {
		return c, errors.New("valid_until is before valid_from")
	}
	c.CategoryIDs = splitList(h.get(rec, colCategories))
	c.ServiceIDs = splitList(h.get(rec, colServices))
	return c, nil
}

func nullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, errors.Errorf("%s is negative", d)
	}
	return decimal.NewNullDecimal(d), nil
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Errorf("%q is neither a date nor RFC 3339", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// splitList splits a "|" separated list, dropping blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
