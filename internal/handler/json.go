package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
)

// badRequestError reports a body that is not the expected JSON document.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return "malformed request body: " + e.err.Error() }

func (e *badRequestError) Unwrap() error { return e.err }

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &badRequestError{err: err}
	}
	return data, nil
}

func decodeBookingRequest(data []byte) (booking.Request, error) {
	var (
		req  booking.Request
		date string
	)
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "service_id":
			req.ServiceID, err = d.Str()
		case "date":
			date, err = d.Str()
		case "duration_hours":
			req.DurationHours, err = d.Int()
		case "frequency":
			req.Frequency, err = d.Str()
		case "coupon_code":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.CouponCode, err = d.Str()
		case "customer":
			err = decodeCustomer(d, &req.Customer)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return req, &badRequestError{err: err}
	}
	if date != "" {
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return req, &booking.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
		}
		req.Date = t
	}
	return req, nil
}

func decodeCustomer(d *jx.Decoder, c *booking.Customer) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			c.Name, err = d.Str()
		case "email":
			c.Email, err = d.Str()
		case "phone":
			c.Phone, err = d.Str()
		case "address":
			c.Address, err = d.Str()
		case "notes":
			c.Notes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
}

func decodeStatus(data []byte) (booking.Status, error) {
	var status string
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return "", &badRequestError{err: err}
	}
	return booking.Status(status), nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Str(v.StringFixed(2))
}

func encodeService(e *jx.Encoder, s catalog.Service) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(s.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(s.Name) })
		e.Field("category_id", func(e *jx.Encoder) { e.Str(s.CategoryID) })
		e.Field("base_price", func(e *jx.Encoder) { money(e, s.BasePrice) })
		if s.Description != "" {
			e.Field("description", func(e *jx.Encoder) { e.Str(s.Description) })
		}
	})
}

func encodeServices(services []catalog.Service) *jx.Encoder {
	e := &jx.Encoder{}
	e.ArrStart()
	for _, s := range services {
		encodeService(e, s)
	}
	e.ArrEnd()
	return e
}

type priceFields struct {
	base, frequency, bulk, special, coupon, final decimal.Decimal
	period                                        string
}

func encodePrice(e *jx.Encoder, p priceFields) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("base_amount", func(e *jx.Encoder) { money(e, p.base) })
		e.Field("frequency_discount", func(e *jx.Encoder) { money(e, p.frequency) })
		e.Field("bulk_discount", func(e *jx.Encoder) { money(e, p.bulk) })
		e.Field("special_period_adjustment", func(e *jx.Encoder) { money(e, p.special) })
		e.Field("coupon_discount", func(e *jx.Encoder) { money(e, p.coupon) })
		e.Field("final_amount", func(e *jx.Encoder) { money(e, p.final) })
		if p.period != "" {
			e.Field("special_period", func(e *jx.Encoder) { e.Str(p.period) })
		}
	})
}

func encodeQuote(q *booking.Quote) *jx.Encoder {
	b := q.Breakdown
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("service", func(e *jx.Encoder) { encodeService(e, q.Service) })
		e.Field("price", func(e *jx.Encoder) {
			encodePrice(e, priceFields{
				base: b.BaseAmount, frequency: b.FrequencyDiscount, bulk: b.BulkDiscount,
				special: b.SpecialPeriodAdjustment, coupon: b.CouponDiscount, final: b.FinalAmount,
				period: b.SpecialPeriod,
			})
		})
		e.Field("coupon_applied", func(e *jx.Encoder) { e.Bool(b.CouponApplied) })
		if b.CouponRejection != nil {
			e.Field("coupon_rejection", func(e *jx.Encoder) { e.Str(b.CouponRejection.Error()) })
		}
	})
	return e
}

func encodeBooking(b *booking.Booking) *jx.Encoder {
	p := b.Price
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(b.ID) })
		e.Field("number", func(e *jx.Encoder) { e.Str(b.Number) })
		e.Field("service_id", func(e *jx.Encoder) { e.Str(b.ServiceID) })
		e.Field("service_name", func(e *jx.Encoder) { e.Str(b.ServiceName) })
		e.Field("date", func(e *jx.Encoder) { e.Str(b.Date.Format(time.DateOnly)) })
		e.Field("duration_hours", func(e *jx.Encoder) { e.Int(b.DurationHours) })
		e.Field("frequency", func(e *jx.Encoder) { e.Str(string(b.Frequency)) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(b.Status)) })
		if b.CouponCode != "" {
			e.Field("coupon_code", func(e *jx.Encoder) { e.Str(b.CouponCode) })
		}
		e.Field("customer", func(e *jx.Encoder) {
			c := b.Customer
			e.Obj(func(e *jx.Encoder) {
				e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
				e.Field("email", func(e *jx.Encoder) { e.Str(c.Email) })
				e.Field("phone", func(e *jx.Encoder) { e.Str(c.Phone) })
				e.Field("address", func(e *jx.Encoder) { e.Str(c.Address) })
				e.Field("notes", func(e *jx.Encoder) { e.Str(c.Notes) })
			})
		})
		e.Field("price", func(e *jx.Encoder) {
			encodePrice(e, priceFields{
				base: p.BaseAmount, frequency: p.FrequencyDiscount, bulk: p.BulkDiscount,
				special: p.SpecialPeriodAdjustment, coupon: p.CouponDiscount, final: p.FinalAmount,
				period: p.SpecialPeriod,
			})
		})
		e.Field("created_at", func(e *jx.Encoder) { e.Str(b.CreatedAt.UTC().Format(time.RFC3339)) })
		e.Field("updated_at", func(e *jx.Encoder) { e.Str(b.UpdatedAt.UTC().Format(time.RFC3339)) })
	})
	return e
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeProblem(w, status, msg, "")
}

func writeProblem(w http.ResponseWriter, status int, msg, field string) {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		if field != "" {
			e.Field("field", func(e *jx.Encoder) { e.Str(field) })
		}
	})
	writeJSON(w, status, e)
}
