package pricing

import (
	"os"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Frequency is the recurrence cadence of a booking.
type Frequency string

const (
	OneTime  Frequency = "one_time"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

// Frequencies lists every accepted frequency value.
var Frequencies = []Frequency{OneTime, Weekly, Biweekly, Monthly}

// ParseFrequency converts s into a Frequency, rejecting unknown values.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if !slices.Contains(Frequencies, f) {
		return "", &ValidationError{Field: "frequency", Reason: "unknown value " + s}
	}
	return f, nil
}

// BulkBand grants Rate percent off when the booking is at least MinHours long.
type BulkBand struct {
	MinHours int
	Rate     decimal.Decimal
}

// SpecialPeriod adjusts the price of bookings whose day falls inside
// [From, Until], both inclusive. A negative Rate is a discount.
type SpecialPeriod struct {
	Name  string
	From  time.Time
	Until time.Time
	Rate  decimal.Decimal
}

// Contains reports whether the calendar day of d lies within the period.
func (p SpecialPeriod) Contains(d time.Time) bool {
	day := truncateDay(d)
	return !day.Before(truncateDay(p.From)) && !day.After(truncateDay(p.Until))
}

// Config holds the rate tables the Engine prices with. Rates are percentages.
type Config struct {
	FrequencyRates map[Frequency]decimal.Decimal
	BulkBands      []BulkBand
	SpecialPeriods []SpecialPeriod
}

// DefaultConfig returns the documented default rates: weekly 10%, biweekly 5%,
// monthly 2%, and bulk bands of 15% from 8h and 10% from 4h.
func DefaultConfig() Config {
	return Config{
		FrequencyRates: map[Frequency]decimal.Decimal{
			OneTime:  decimal.Zero,
			Weekly:   decimal.NewFromInt(10),
			Biweekly: decimal.NewFromInt(5),
			Monthly:  decimal.NewFromInt(2),
		},
		BulkBands: []BulkBand{
			{MinHours: 8, Rate: decimal.NewFromInt(15)},
			{MinHours: 4, Rate: decimal.NewFromInt(10)},
		},
	}
}

var (
	hundred      = decimal.NewFromInt(100)
	minusHundred = decimal.NewFromInt(-100)
)

// Validate checks rate ranges and period bounds.
func (c Config) Validate() error {
	for f, rate := range c.FrequencyRates {
		if !slices.Contains(Frequencies, f) {
			return errors.Errorf("unknown frequency %q", f)
		}
		if rate.IsNegative() || rate.GreaterThan(hundred) {
			return errors.Errorf("frequency %s: rate %s out of [0, 100]", f, rate)
		}
	}
	for _, b := range c.BulkBands {
		if b.MinHours < 1 {
			return errors.Errorf("bulk band: min hours %d must be positive", b.MinHours)
		}
		if b.Rate.IsNegative() || b.Rate.GreaterThan(hundred) {
			return errors.Errorf("bulk band %dh: rate %s out of [0, 100]", b.MinHours, b.Rate)
		}
	}
	for _, p := range c.SpecialPeriods {
		if p.From.IsZero() || p.Until.IsZero() {
			return errors.Errorf("special period %q: both bounds are required", p.Name)
		}
		if p.Until.Before(p.From) {
			return errors.Errorf("special period %q: until is before from", p.Name)
		}
		if p.Rate.LessThan(minusHundred) || p.Rate.GreaterThan(hundred) {
			return errors.Errorf("special period %q: rate %s out of [-100, 100]", p.Name, p.Rate)
		}
	}
	return nil
}

type fileConfig struct {
	FrequencyRates map[string]string `yaml:"frequency_rates"`
	BulkBands      []struct {
		MinHours int    `yaml:"min_hours"`
		Rate     string `yaml:"rate"`
	} `yaml:"bulk_bands"`
	SpecialPeriods []struct {
		Name  string `yaml:"name"`
		From  string `yaml:"from"`
		Until string `yaml:"until"`
		Rate  string `yaml:"rate"`
	} `yaml:"special_periods"`
}

// LoadConfig reads rate tables from a YAML file. Sections missing from the
// file keep their DefaultConfig values. An empty path returns the defaults.
//
//	frequency_rates: {weekly: "10", biweekly: "5", monthly: "2"}
//	bulk_bands:
//	  - {min_hours: 8, rate: "15"}
//	special_periods:
//	  - {name: new-year, from: 2025-12-31, until: 2026-01-01, rate: "25"}
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read pricing config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML rate table on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "decode pricing config")
	}

	if raw.FrequencyRates != nil {
		cfg.FrequencyRates = map[Frequency]decimal.Decimal{OneTime: decimal.Zero}
		for k, v := range raw.FrequencyRates {
			rate, err := decimal.NewFromString(v)
			if err != nil {
				return Config{}, errors.Wrapf(err, "frequency %s rate", k)
			}
			cfg.FrequencyRates[Frequency(k)] = rate
		}
	}
	if raw.BulkBands != nil {
		cfg.BulkBands = make([]BulkBand, 0, len(raw.BulkBands))
		for _, b := range raw.BulkBands {
			rate, err := decimal.NewFromString(b.Rate)
			if err != nil {
				return Config{}, errors.Wrapf(err, "bulk band %dh rate", b.MinHours)
			}
			cfg.BulkBands = append(cfg.BulkBands, BulkBand{MinHours: b.MinHours, Rate: rate})
		}
	}
	for _, p := range raw.SpecialPeriods {
		from, err := time.Parse(time.DateOnly, p.From)
		if err != nil {
			return Config{}, errors.Wrapf(err, "special period %q from", p.Name)
		}
		until, err := time.Parse(time.DateOnly, p.Until)
		if err != nil {
			return Config{}, errors.Wrapf(err, "special period %q until", p.Name)
		}
		rate, err := decimal.NewFromString(p.Rate)
		if err != nil {
			return Config{}, errors.Wrapf(err, "special period %q rate", p.Name)
		}
		cfg.SpecialPeriods = append(cfg.SpecialPeriods, SpecialPeriod{
			Name:  p.Name,
			From:  from,
			Until: until,
			Rate:  rate,
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "validate pricing config")
	}
	return cfg, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
