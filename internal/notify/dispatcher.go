package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/booking"
)

// Enqueuer is implemented by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ booking.Notifier = (*Dispatcher)(nil)

// Dispatcher turns committed booking events into queued tasks.
type Dispatcher struct {
	q            Enqueuer
	reminderLead time.Duration
	now          func() time.Time
	lg           *zap.Logger
}

// NewDispatcher creates a Dispatcher. Reminders are scheduled reminderLead
// before the start of the booking day; zero disables them.
func NewDispatcher(q Enqueuer, reminderLead time.Duration, lg *zap.Logger) *Dispatcher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Dispatcher{q: q, reminderLead: reminderLead, now: time.Now, lg: lg}
}

// BookingCreated queues the customer confirmation, the admin notice and the
// reminder. All three are attempted even if one fails.
func (d *Dispatcher) BookingCreated(ctx context.Context, b *booking.Booking) error {
	p := PayloadOf(b)

	var err error
	if p.CustomerEmail != "" {
		err = multierr.Append(err, d.enqueue(ctx, newTask(TypeConfirmation, p, "")))
	}
	err = multierr.Append(err, d.enqueue(ctx, newTask(TypeAdminNotice, p, "")))

	if d.reminderLead > 0 && p.CustomerEmail != "" {
		at := b.Date.Add(-d.reminderLead)
		if at.After(d.now()) {
			err = multierr.Append(err, d.enqueue(ctx, newTask(TypeReminder, p, ""), asynq.ProcessAt(at)))
		}
	}
	return err
}

// BookingStatusChanged queues a feedback request for completed bookings and a
// status update for every other transition.
func (d *Dispatcher) BookingStatusChanged(ctx context.Context, b *booking.Booking, from booking.Status) error {
	if b.Customer.Email == "" {
		return nil
	}
	p := PayloadOf(b)
	p.PrevStatus = from

	if b.Status == booking.StatusCompleted {
		return d.enqueue(ctx, newTask(TypeFeedback, p, ""))
	}
	return d.enqueue(ctx, newTask(TypeStatusUpdate, p, string(b.Status)))
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := d.q.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.lg.Debug("Task already queued", zap.String("type", task.Type()))
			return nil
		}
		return errors.Wrapf(err, "enqueue %s", task.Type())
	}
	d.lg.Debug("Task queued",
		zap.String("type", task.Type()),
		zap.String("id", info.ID),
		zap.Time("process_at", info.NextProcessAt),
	)
	return nil
}
