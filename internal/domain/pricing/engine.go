// Package pricing turns a booking request into a price breakdown.
package pricing

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/servicebook/internal/domain/coupon"
)

// ValidationError reports a malformed pricing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request is the input to Compute.
type Request struct {
	BasePrice     decimal.Decimal
	DurationHours int
	Frequency     Frequency
	Date          time.Time
	// Coupon is optional. It is applied only if it passes validation at At.
	Coupon *coupon.Coupon
	Target coupon.Target
	At     time.Time
}

// Breakdown is the priced result. Every amount is rounded to cents and
// FinalAmount is derived from the rounded fields:
//
//	Final = max(0, Base - Frequency - Bulk - Coupon + SpecialPeriod)
type Breakdown struct {
	BaseAmount              decimal.Decimal
	FrequencyDiscount       decimal.Decimal
	BulkDiscount            decimal.Decimal
	SpecialPeriodAdjustment decimal.Decimal
	CouponDiscount          decimal.Decimal
	FinalAmount             decimal.Decimal

	SpecialPeriod string
	CouponApplied bool
	// CouponRejection holds why a supplied coupon contributed nothing.
	CouponRejection error
}

// Engine computes breakdowns from an injected Config. It is safe for
// concurrent use.
type Engine struct {
	frequencyRates map[Frequency]decimal.Decimal
	bands          []BulkBand
	periods        []SpecialPeriod
}

// New validates cfg and returns an Engine pricing with it.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "pricing config")
	}
	bands := slices.Clone(cfg.BulkBands)
	slices.SortFunc(bands, func(a, b BulkBand) int {
		return cmp.Compare(b.MinHours, a.MinHours)
	})
	rates := make(map[Frequency]decimal.Decimal, len(cfg.FrequencyRates))
	for f, r := range cfg.FrequencyRates {
		rates[f] = r
	}
	return &Engine{
		frequencyRates: rates,
		bands:          bands,
		periods:        slices.Clone(cfg.SpecialPeriods),
	}, nil
}

// Compute prices req. It has no side effects.
func (e *Engine) Compute(req Request) (Breakdown, error) {
	if req.DurationHours < 1 {
		return Breakdown{}, &ValidationError{Field: "duration_hours", Reason: "must be at least 1"}
	}
	if !slices.Contains(Frequencies, req.Frequency) {
		return Breakdown{}, &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown value %q", req.Frequency)}
	}
	if req.BasePrice.IsNegative() {
		return Breakdown{}, &ValidationError{Field: "base_price", Reason: "must not be negative"}
	}

	base := req.BasePrice.Mul(decimal.NewFromInt(int64(req.DurationHours)))

	var b Breakdown
	b.BaseAmount = base.Round(2)
	b.FrequencyDiscount = percent(base, e.frequencyRates[req.Frequency])
	b.BulkDiscount = percent(base, e.bulkRate(req.DurationHours))
	if p, ok := e.period(req.Date); ok {
		b.SpecialPeriod = p.Name
		b.SpecialPeriodAdjustment = percent(base, p.Rate)
	} else {
		b.SpecialPeriodAdjustment = decimal.Zero
	}

	b.CouponDiscount = decimal.Zero
	if req.Coupon != nil {
		discount, err := e.couponDiscount(b, req)
		if err != nil {
			b.CouponRejection = err
		} else {
			b.CouponDiscount = discount
			b.CouponApplied = true
		}
	}

	final := b.BaseAmount.
		Sub(b.FrequencyDiscount).
		Sub(b.BulkDiscount).
		Sub(b.CouponDiscount).
		Add(b.SpecialPeriodAdjustment)
	if final.IsNegative() {
		final = decimal.Zero
	}
	b.FinalAmount = final
	return b, nil
}

// ErrZeroDiscount is recorded when a valid coupon would discount nothing.
var ErrZeroDiscount = errors.New("coupon yields no discount")

func (e *Engine) couponDiscount(b Breakdown, req Request) (decimal.Decimal, error) {
	c := req.Coupon
	if err := coupon.Check(c, b.BaseAmount, req.At); err != nil {
		return decimal.Zero, err
	}
	if !c.AppliesTo(req.Target) {
		return decimal.Zero, coupon.ErrOutOfScope
	}

	var discount decimal.Decimal
	switch c.Type {
	case coupon.TypePercentage:
		discount = percent(b.BaseAmount, c.Value)
		if c.MaxDiscountAmount.Valid && discount.GreaterThan(c.MaxDiscountAmount.Decimal) {
			discount = c.MaxDiscountAmount.Decimal.Round(2)
		}
	case coupon.TypeFixed:
		payable := b.BaseAmount.
			Sub(b.FrequencyDiscount).
			Sub(b.BulkDiscount).
			Add(b.SpecialPeriodAdjustment)
		discount = decimal.Min(c.Value.Round(2), payable)
	default:
		return decimal.Zero, errors.Errorf("unknown coupon type %q", c.Type)
	}

	if !discount.IsPositive() {
		return decimal.Zero, ErrZeroDiscount
	}
	return discount, nil
}

func (e *Engine) bulkRate(hours int) decimal.Decimal {
	for _, b := range e.bands {
		if hours >= b.MinHours {
			return b.Rate
		}
	}
	return decimal.Zero
}

// period returns the first configured period containing d.
func (e *Engine) period(d time.Time) (SpecialPeriod, bool) {
	if d.IsZero() {
		return SpecialPeriod{}, false
	}
	for _, p := range e.periods {
		if p.Contains(d) {
			return p, true
		}
	}
	return SpecialPeriod{}, false
}

func percent(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(rate).Div(hundred).Round(2)
}
