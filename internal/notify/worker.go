package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/booking"
)

// Worker handles queued booking tasks.
type Worker struct {
	mailer   Mailer
	bookings booking.Reader
	admin    string
	lg       *zap.Logger
}

// NewWorker creates a Worker. bookings is consulted before a reminder is
// sent; admin receives admin notices and may be empty.
func NewWorker(mailer Mailer, bookings booking.Reader, admin string, lg *zap.Logger) *Worker {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Worker{mailer: mailer, bookings: bookings, admin: admin, lg: lg}
}

// Register installs the task handlers on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeConfirmation, w.handle(w.confirmation))
	mux.HandleFunc(TypeAdminNotice, w.handle(w.adminNotice))
	mux.HandleFunc(TypeReminder, w.handle(w.reminder))
	mux.HandleFunc(TypeFeedback, w.handle(w.feedback))
	mux.HandleFunc(TypeStatusUpdate, w.handle(w.statusUpdate))
}

func (w *Worker) handle(fn func(ctx context.Context, p Payload) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := DecodePayload(t.Payload())
		if err != nil {
			w.lg.Error("Invalid task payload", zap.String("type", t.Type()), zap.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if err := fn(ctx, p); err != nil {
			w.lg.Warn("Task failed",
				zap.String("type", t.Type()),
				zap.String("booking", p.Number),
				zap.Error(err),
			)
			return err
		}
		return nil
	}
}

func (w *Worker) confirmation(ctx context.Context, p Payload) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", p.CustomerName)
	fmt.Fprintf(&b, "Your booking %s is received.\n\n", p.Number)
	writeDetails(&b, p)
	return w.mailer.Send(ctx, Message{
		To:      p.CustomerEmail,
		Subject: "Booking " + p.Number + " received",
		Body:    b.String(),
	})
}

func (w *Worker) adminNotice(ctx context.Context, p Payload) error {
	if w.admin == "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New booking %s from %s <%s>.\n\n", p.Number, p.CustomerName, p.CustomerEmail)
	writeDetails(&b, p)
	return w.mailer.Send(ctx, Message{
		To:      w.admin,
		Subject: "New booking " + p.Number,
		Body:    b.String(),
	})
}

// reminder is skipped when the booking has since been cancelled, moved or
// completed.
func (w *Worker) reminder(ctx context.Context, p Payload) error {
	cur, err := w.bookings.GetByID(ctx, p.BookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			w.lg.Info("Reminder for missing booking dropped", zap.String("booking_id", p.BookingID))
			return nil
		}
		return errors.Wrap(err, "load booking")
	}
	if cur.Status != booking.StatusPending && cur.Status != booking.StatusConfirmed {
		w.lg.Info("Reminder skipped",
			zap.String("booking", cur.Number),
			zap.String("status", string(cur.Status)),
		)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", p.CustomerName)
	fmt.Fprintf(&b, "This is a reminder of your booking %s on %s.\n\n",
		p.Number, cur.Date.Format("Monday, 2 January 2006"))
	writeDetails(&b, p)
	return w.mailer.Send(ctx, Message{
		To:      p.CustomerEmail,
		Subject: "Reminder: booking " + p.Number,
		Body:    b.String(),
	})
}

func (w *Worker) feedback(ctx context.Context, p Payload) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", p.CustomerName)
	fmt.Fprintf(&b, "Thank you for booking %s. How did we do?\n", p.ServiceName)
	fmt.Fprintf(&b, "Reply to this email with your feedback on booking %s.\n", p.Number)
	return w.mailer.Send(ctx, Message{
		To:      p.CustomerEmail,
		Subject: "How was your " + p.ServiceName + "?",
		Body:    b.String(),
	})
}

func (w *Worker) statusUpdate(ctx context.Context, p Payload) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", p.CustomerName)
	fmt.Fprintf(&b, "Your booking %s is now %s.\n\n", p.Number, p.Status)
	writeDetails(&b, p)
	return w.mailer.Send(ctx, Message{
		To:      p.CustomerEmail,
		Subject: "Booking " + p.Number + " " + string(p.Status),
		Body:    b.String(),
	})
}

func writeDetails(b *strings.Builder, p Payload) {
	fmt.Fprintf(b, "Service:  %s\n", p.ServiceName)
	fmt.Fprintf(b, "Date:     %s\n", p.Date.Format(time.DateOnly))
	fmt.Fprintf(b, "Duration: %d h\n", p.DurationHours)
	if p.CouponCode != "" {
		fmt.Fprintf(b, "Coupon:   %s\n", p.CouponCode)
	}
	fmt.Fprintf(b, "Total:    %s\n", p.FinalAmount)
}
