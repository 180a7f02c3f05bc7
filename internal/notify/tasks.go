// Package notify moves post-commit booking side effects onto an asynq task
// queue and processes them in a separate worker.
package notify

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/hibiken/asynq"

	"github.com/xenking/servicebook/internal/domain/booking"
)

// Task types.
const (
	TypeConfirmation = "booking:confirmation"
	TypeAdminNotice  = "booking:admin_notice"
	TypeReminder     = "booking:reminder"
	TypeFeedback     = "booking:feedback"
	TypeStatusUpdate = "booking:status_update"
)

// Payload is the booking snapshot carried by every task.
type Payload struct {
	BookingID     string
	Number        string
	ServiceName   string
	Date          time.Time
	DurationHours int
	FinalAmount   string
	CouponCode    string
	CustomerName  string
	CustomerEmail string
	Status        booking.Status
	PrevStatus    booking.Status
}

// PayloadOf snapshots b.
func PayloadOf(b *booking.Booking) Payload {
	return Payload{
		BookingID:     b.ID,
		Number:        b.Number,
		ServiceName:   b.ServiceName,
		Date:          b.Date,
		DurationHours: b.DurationHours,
		FinalAmount:   b.Price.FinalAmount.StringFixed(2),
		CouponCode:    b.CouponCode,
		CustomerName:  b.Customer.Name,
		CustomerEmail: b.Customer.Email,
		Status:        b.Status,
	}
}

// Encode writes p as JSON.
func (p Payload) Encode() []byte {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("booking_id", func(e *jx.Encoder) { e.Str(p.BookingID) })
		e.Field("number", func(e *jx.Encoder) { e.Str(p.Number) })
		e.Field("service_name", func(e *jx.Encoder) { e.Str(p.ServiceName) })
		e.Field("date", func(e *jx.Encoder) { e.Str(p.Date.Format(time.DateOnly)) })
		e.Field("duration_hours", func(e *jx.Encoder) { e.Int(p.DurationHours) })
		e.Field("final_amount", func(e *jx.Encoder) { e.Str(p.FinalAmount) })
		if p.CouponCode != "" {
			e.Field("coupon_code", func(e *jx.Encoder) { e.Str(p.CouponCode) })
		}
		e.Field("customer_name", func(e *jx.Encoder) { e.Str(p.CustomerName) })
		e.Field("customer_email", func(e *jx.Encoder) { e.Str(p.CustomerEmail) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(p.Status)) })
		if p.PrevStatus != "" {
			e.Field("prev_status", func(e *jx.Encoder) { e.Str(string(p.PrevStatus)) })
		}
	})
	return e.Bytes()
}

// DecodePayload parses a task payload.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var (
			s   string
			err error
		)
		switch key {
		case "booking_id":
			p.BookingID, err = d.Str()
		case "number":
			p.Number, err = d.Str()
		case "service_name":
			p.ServiceName, err = d.Str()
		case "date":
			if s, err = d.Str(); err == nil {
				p.Date, err = time.Parse(time.DateOnly, s)
			}
		case "duration_hours":
			p.DurationHours, err = d.Int()
		case "final_amount":
			p.FinalAmount, err = d.Str()
		case "coupon_code":
			p.CouponCode, err = d.Str()
		case "customer_name":
			p.CustomerName, err = d.Str()
		case "customer_email":
			p.CustomerEmail, err = d.Str()
		case "status":
			s, err = d.Str()
			p.Status = booking.Status(s)
		case "prev_status":
			s, err = d.Str()
			p.PrevStatus = booking.Status(s)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return Payload{}, errors.Wrap(err, "decode payload")
	}
	if p.BookingID == "" {
		return Payload{}, errors.New("decode payload: booking_id is empty")
	}
	return p, nil
}

// newTask builds a task whose id is derived from the booking so that a
// repeated enqueue of the same event is rejected by the queue.
func newTask(typ string, p Payload, suffix string) *asynq.Task {
	id := typ + ":" + p.BookingID
	if suffix != "" {
		id += ":" + suffix
	}
	return asynq.NewTask(typ, p.Encode(), asynq.TaskID(id), asynq.MaxRetry(5))
}
