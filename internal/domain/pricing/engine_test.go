package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/servicebook/internal/domain/coupon"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func intPtr(v int) *int { return &v }

var (
	testNow  = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	testDate = time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: expected %s, got %s", field, want, got)
}

func TestCompute_WorkedExamples(t *testing.T) {
	e := newEngine(t, DefaultConfig())

	t.Run("weekly three hours without coupon", func(t *testing.T) {
		b, err := e.Compute(Request{
			BasePrice:     d("40"),
			DurationHours: 3,
			Frequency:     Weekly,
			Date:          testDate,
			At:            testNow,
		})
		require.NoError(t, err)

		assertAmount(t, "120", b.BaseAmount, "base")
		assertAmount(t, "12", b.FrequencyDiscount, "frequency")
		assertAmount(t, "0", b.BulkDiscount, "bulk")
		assertAmount(t, "0", b.SpecialPeriodAdjustment, "special")
		assertAmount(t, "0", b.CouponDiscount, "coupon")
		assertAmount(t, "108", b.FinalAmount, "final")
		assert.False(t, b.CouponApplied)
	})

	t.Run("same booking with fixed coupon", func(t *testing.T) {
		b, err := e.Compute(Request{
			BasePrice:     d("40"),
			DurationHours: 3,
			Frequency:     Weekly,
			Date:          testDate,
			At:            testNow,
			Coupon: &coupon.Coupon{
				Code:           "TWENTY",
				Type:           coupon.TypeFixed,
				Value:          d("20"),
				MinOrderAmount: decimal.NewNullDecimal(d("50")),
				Active:         true,
			},
		})
		require.NoError(t, err)

		assertAmount(t, "20", b.CouponDiscount, "coupon")
		assertAmount(t, "88", b.FinalAmount, "final")
		assert.True(t, b.CouponApplied)
		assert.NoError(t, b.CouponRejection)
	})
}

func TestCompute_FrequencyRates(t *testing.T) {
	e := newEngine(t, DefaultConfig())

	tests := []struct {
		freq Frequency
		want string
	}{
		{OneTime, "0"},
		{Weekly, "3.33"},
		{Biweekly, "1.67"},
		{Monthly, "0.67"},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			b, err := e.Compute(Request{
				BasePrice:     d("33.33"),
				DurationHours: 1,
				Frequency:     tt.freq,
				At:            testNow,
			})
			require.NoError(t, err)
			assertAmount(t, tt.want, b.FrequencyDiscount, "frequency")
		})
	}
}

func TestCompute_BulkBands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BulkBands = append(cfg.BulkBands, BulkBand{MinHours: 2, Rate: d("5")})
	e := newEngine(t, cfg)

	tests := []struct {
		hours int
		want  string
	}{
		{1, "0"},
		{2, "1"},
		{3, "1.5"},
		{4, "4"},
		{7, "7"},
		{8, "12"},
		{12, "18"},
	}
	for _, tt := range tests {
		b, err := e.Compute(Request{
			BasePrice:     d("10"),
			DurationHours: tt.hours,
			Frequency:     OneTime,
			At:            testNow,
		})
		require.NoError(t, err)
		assertAmount(t, tt.want, b.BulkDiscount, "bulk")
	}
}

func TestCompute_DiscountsDoNotCompound(t *testing.T) {
	e := newEngine(t, DefaultConfig())

	b, err := e.Compute(Request{
		BasePrice:     d("25"),
		DurationHours: 8,
		Frequency:     Weekly,
		At:            testNow,
	})
	require.NoError(t, err)

	// Both percentages are taken from the 200 base.
	assertAmount(t, "20", b.FrequencyDiscount, "frequency")
	assertAmount(t, "30", b.BulkDiscount, "bulk")
	assertAmount(t, "150", b.FinalAmount, "final")
}

func TestCompute_SpecialPeriods(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpecialPeriods = []SpecialPeriod{
		{
			Name:  "new-year",
			From:  time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Rate:  d("25"),
		},
		{
			Name:  "spring-sale",
			From:  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			Rate:  d("-10"),
		},
	}
	e := newEngine(t, cfg)

	tests := []struct {
		name       string
		date       time.Time
		wantAdj    string
		wantFinal  string
		wantPeriod string
	}{
		{"surcharge on first day", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), "25", "125", "new-year"},
		{"surcharge on last day late evening", time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC), "25", "125", "new-year"},
		{"discount inside range", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), "-10", "90", "spring-sale"},
		{"outside every period", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "0", "100", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := e.Compute(Request{
				BasePrice:     d("100"),
				DurationHours: 1,
				Frequency:     OneTime,
				Date:          tt.date,
				At:            testNow,
			})
			require.NoError(t, err)
			assertAmount(t, tt.wantAdj, b.SpecialPeriodAdjustment, "special")
			assertAmount(t, tt.wantFinal, b.FinalAmount, "final")
			assert.Equal(t, tt.wantPeriod, b.SpecialPeriod)
		})
	}
}

func TestCompute_CouponRules(t *testing.T) {
	e := newEngine(t, DefaultConfig())

	tests := []struct {
		name        string
		coupon      coupon.Coupon
		target      coupon.Target
		wantAmount  string
		wantApplied bool
		wantReason  error
	}{
		{
			name:        "percentage capped by max discount",
			coupon:      coupon.Coupon{Type: coupon.TypePercentage, Value: d("50"), MaxDiscountAmount: decimal.NewNullDecimal(d("30")), Active: true},
			wantAmount:  "30",
			wantApplied: true,
		},
		{
			name:        "percentage below cap",
			coupon:      coupon.Coupon{Type: coupon.TypePercentage, Value: d("10"), MaxDiscountAmount: decimal.NewNullDecimal(d("30")), Active: true},
			wantAmount:  "20",
			wantApplied: true,
		},
		{
			name:        "fixed never exceeds payable",
			coupon:      coupon.Coupon{Type: coupon.TypeFixed, Value: d("500"), Active: true},
			wantAmount:  "180",
			wantApplied: true,
		},
		{
			name:       "below minimum order is ignored",
			coupon:     coupon.Coupon{Type: coupon.TypeFixed, Value: d("5"), MinOrderAmount: decimal.NewNullDecimal(d("250")), Active: true},
			wantAmount: "0",
			wantReason: coupon.ErrMinOrderNotMet,
		},
		{
			name:       "inactive is ignored",
			coupon:     coupon.Coupon{Type: coupon.TypeFixed, Value: d("5")},
			wantAmount: "0",
			wantReason: coupon.ErrInactive,
		},
		{
			name:       "expired is ignored",
			coupon:     coupon.Coupon{Type: coupon.TypeFixed, Value: d("5"), Active: true, ValidUntil: testNow.Add(-time.Hour)},
			wantAmount: "0",
			wantReason: coupon.ErrExpired,
		},
		{
			name:       "exhausted is ignored",
			coupon:     coupon.Coupon{Type: coupon.TypeFixed, Value: d("5"), Active: true, UsageLimit: intPtr(3), UsageCount: 3},
			wantAmount: "0",
			wantReason: coupon.ErrUsageLimitReached,
		},
		{
			name:       "scoped to another service is ignored",
			coupon:     coupon.Coupon{Type: coupon.TypeFixed, Value: d("5"), Active: true, ServiceIDs: []string{"svc-2"}},
			target:     coupon.Target{ServiceID: "svc-1", CategoryID: "cat-1"},
			wantAmount: "0",
			wantReason: coupon.ErrOutOfScope,
		},
		{
			name:        "scoped to matching category applies",
			coupon:      coupon.Coupon{Type: coupon.TypeFixed, Value: d("5"), Active: true, CategoryIDs: []string{"cat-1"}},
			target:      coupon.Target{ServiceID: "svc-1", CategoryID: "cat-1"},
			wantAmount:  "5",
			wantApplied: true,
		},
		{
			name:       "zero value coupon is not applied",
			coupon:     coupon.Coupon{Type: coupon.TypePercentage, Value: d("0"), Active: true},
			wantAmount: "0",
			wantReason: ErrZeroDiscount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.coupon
			b, err := e.Compute(Request{
				BasePrice:     d("50"),
				DurationHours: 4,
				Frequency:     OneTime,
				Coupon:        &c,
				Target:        tt.target,
				At:            testNow,
			})
			require.NoError(t, err)
			assertAmount(t, tt.wantAmount, b.CouponDiscount, "coupon")
			assert.Equal(t, tt.wantApplied, b.CouponApplied)
			if tt.wantReason != nil {
				require.ErrorIs(t, b.CouponRejection, tt.wantReason)
			} else {
				require.NoError(t, b.CouponRejection)
			}
		})
	}
}

func TestCompute_FinalNeverNegative(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrequencyRates[Weekly] = d("60")
	cfg.BulkBands = []BulkBand{{MinHours: 1, Rate: d("60")}}
	e := newEngine(t, cfg)

	b, err := e.Compute(Request{
		BasePrice:     d("19.99"),
		DurationHours: 2,
		Frequency:     Weekly,
		At:            testNow,
	})
	require.NoError(t, err)
	assert.True(t, b.FinalAmount.IsZero(), "expected zero final, got %s", b.FinalAmount)
}

func TestCompute_FinalDerivedFromRoundedFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpecialPeriods = []SpecialPeriod{{
		Name:  "odd",
		From:  testDate,
		Until: testDate,
		Rate:  d("3.33"),
	}}
	e := newEngine(t, cfg)

	prices := []string{"0.01", "1.11", "17.49", "33.33", "99.99", "123.45"}
	for _, p := range prices {
		for _, f := range Frequencies {
			for hours := 1; hours <= 9; hours++ {
				b, err := e.Compute(Request{
					BasePrice:     d(p),
					DurationHours: hours,
					Frequency:     f,
					Date:          testDate,
					At:            testNow,
					Coupon:        &coupon.Coupon{Type: coupon.TypePercentage, Value: d("7.5"), Active: true},
				})
				require.NoError(t, err)

				want := b.BaseAmount.
					Sub(b.FrequencyDiscount).
					Sub(b.BulkDiscount).
					Sub(b.CouponDiscount).
					Add(b.SpecialPeriodAdjustment)
				if want.IsNegative() {
					want = decimal.Zero
				}
				assert.True(t, want.Equal(b.FinalAmount), "price %s %s %dh: %s != %s", p, f, hours, want, b.FinalAmount)
				assert.False(t, b.FinalAmount.IsNegative())
				for _, v := range []decimal.Decimal{b.FrequencyDiscount, b.BulkDiscount, b.CouponDiscount, b.SpecialPeriodAdjustment} {
					assert.True(t, v.Equal(v.Round(2)), "field %s is not rounded to cents", v)
				}
			}
		}
	}
}

func TestCompute_ValidationErrors(t *testing.T) {
	e := newEngine(t, DefaultConfig())

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"zero duration", Request{BasePrice: d("10"), DurationHours: 0, Frequency: OneTime}, "duration_hours"},
		{"unknown frequency", Request{BasePrice: d("10"), DurationHours: 1, Frequency: "daily"}, "frequency"},
		{"negative base", Request{BasePrice: d("-1"), DurationHours: 1, Frequency: OneTime}, "base_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Compute(tt.req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency("biweekly")
	require.NoError(t, err)
	assert.Equal(t, Biweekly, f)

	_, err = ParseFrequency("fortnightly")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "frequency", vErr.Field)
}
