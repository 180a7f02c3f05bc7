package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/servicebook/internal/domain/booking"
)

type queued struct {
	task      *asynq.Task
	processAt time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []queued
	seen  map[string]bool
	fail  map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}, fail: map[string]error{}}
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail[task.Type()]; err != nil {
		return nil, err
	}
	key := task.Type() + string(task.Payload())
	if q.seen[key] {
		return nil, asynq.ErrTaskIDConflict
	}
	q.seen[key] = true

	item := queued{task: task}
	for _, o := range opts {
		if o.Type() == asynq.ProcessAtOpt {
			item.processAt = o.Value().(time.Time)
		}
	}
	q.tasks = append(q.tasks, item)
	return &asynq.TaskInfo{ID: key, Type: task.Type(), NextProcessAt: item.processAt}, nil
}

func (q *fakeQueue) types() []string {
	var out []string
	for _, t := range q.tasks {
		out = append(out, t.task.Type())
	}
	return out
}

var now = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

func sampleBooking() *booking.Booking {
	return &booking.Booking{
		ID:            "b-1",
		Number:        "BK-20250615-ABCDEF12",
		ServiceID:     "house-clean",
		ServiceName:   "House cleaning",
		Date:          time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
		DurationHours: 3,
		Frequency:     "weekly",
		Customer:      booking.Customer{Name: "Ada", Email: "ada@example.com"},
		Price:         booking.Price{FinalAmount: decimal.RequireFromString("88")},
		CouponCode:    "TWENTY",
		Status:        booking.StatusPending,
	}
}

func newDispatcher(q Enqueuer, lead time.Duration) *Dispatcher {
	d := NewDispatcher(q, lead, nil)
	d.now = func() time.Time { return now }
	return d
}

func TestPayloadRoundTrip(t *testing.T) {
	p := PayloadOf(sampleBooking())
	p.PrevStatus = booking.StatusPending

	got, err := DecodePayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, "88.00", got.FinalAmount)
}

func TestDecodePayload_Invalid(t *testing.T) {
	for _, raw := range []string{`{`, `{"number":"BK-1"}`, `{"booking_id":"b","date":"20-06-2025"}`} {
		_, err := DecodePayload([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestDispatcher_BookingCreated(t *testing.T) {
	q := newFakeQueue()
	d := newDispatcher(q, 24*time.Hour)

	require.NoError(t, d.BookingCreated(context.Background(), sampleBooking()))

	assert.Equal(t, []string{TypeConfirmation, TypeAdminNotice, TypeReminder}, q.types())
	assert.Equal(t, time.Date(2025, 6, 19, 0, 0, 0, 0, time.UTC), q.tasks[2].processAt)
}

func TestDispatcher_BookingCreatedSkips(t *testing.T) {
	t.Run("NoEmail", func(t *testing.T) {
		q := newFakeQueue()
		b := sampleBooking()
		b.Customer.Email = ""
		require.NoError(t, newDispatcher(q, 24*time.Hour).BookingCreated(context.Background(), b))
		assert.Equal(t, []string{TypeAdminNotice}, q.types())
	})
	t.Run("ReminderInPast", func(t *testing.T) {
		q := newFakeQueue()
		b := sampleBooking()
		b.Date = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
		require.NoError(t, newDispatcher(q, 24*time.Hour).BookingCreated(context.Background(), b))
		assert.Equal(t, []string{TypeConfirmation, TypeAdminNotice}, q.types())
	})
	t.Run("RemindersDisabled", func(t *testing.T) {
		q := newFakeQueue()
		require.NoError(t, newDispatcher(q, 0).BookingCreated(context.Background(), sampleBooking()))
		assert.Equal(t, []string{TypeConfirmation, TypeAdminNotice}, q.types())
	})
}

func TestDispatcher_DuplicateIsNotAnError(t *testing.T) {
	q := newFakeQueue()
	d := newDispatcher(q, 0)
	b := sampleBooking()

	require.NoError(t, d.BookingCreated(context.Background(), b))
	require.NoError(t, d.BookingCreated(context.Background(), b))
	assert.Len(t, q.tasks, 2)
}

func TestDispatcher_CollectsErrors(t *testing.T) {
	q := newFakeQueue()
	q.fail[TypeConfirmation] = errors.New("redis down")
	q.fail[TypeReminder] = errors.New("redis down")
	d := newDispatcher(q, 24*time.Hour)

	err := d.BookingCreated(context.Background(), sampleBooking())
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeConfirmation)
	assert.Contains(t, err.Error(), TypeReminder)
	// The admin notice still went out.
	assert.Equal(t, []string{TypeAdminNotice}, q.types())
}

func TestDispatcher_BookingStatusChanged(t *testing.T) {
	tests := []struct {
		status booking.Status
		want   string
	}{
		{booking.StatusCompleted, TypeFeedback},
		{booking.StatusCancelled, TypeStatusUpdate},
		{booking.StatusConfirmed, TypeStatusUpdate},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			q := newFakeQueue()
			b := sampleBooking()
			b.Status = tt.status

			require.NoError(t, newDispatcher(q, 0).BookingStatusChanged(context.Background(), b, booking.StatusPending))
			require.Len(t, q.tasks, 1)
			assert.Equal(t, tt.want, q.tasks[0].task.Type())

			p, err := DecodePayload(q.tasks[0].task.Payload())
			require.NoError(t, err)
			assert.Equal(t, booking.StatusPending, p.PrevStatus)
			assert.Equal(t, tt.status, p.Status)
		})
	}
}

type fakeMailer struct {
	sent []Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeReader map[string]*booking.Booking

func (r fakeReader) GetByID(_ context.Context, id string) (*booking.Booking, error) {
	b, ok := r[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b, nil
}

func (r fakeReader) GetByNumber(context.Context, string) (*booking.Booking, error) {
	return nil, booking.ErrNotFound
}

func runTask(t *testing.T, w *Worker, typ string, b *booking.Booking) error {
	t.Helper()
	mux := asynq.NewServeMux()
	w.Register(mux)
	return mux.ProcessTask(context.Background(), newTask(typ, PayloadOf(b), ""))
}

func TestWorker_Mails(t *testing.T) {
	tests := []struct {
		typ     string
		to      string
		subject string
		body    string
	}{
		{TypeConfirmation, "ada@example.com", "Booking BK-20250615-ABCDEF12 received", "Total:    88.00"},
		{TypeAdminNotice, "ops@example.com", "New booking BK-20250615-ABCDEF12", "Ada <ada@example.com>"},
		{TypeReminder, "ada@example.com", "Reminder: booking BK-20250615-ABCDEF12", "Friday, 20 June 2025"},
		{TypeFeedback, "ada@example.com", "How was your House cleaning?", "How did we do?"},
		{TypeStatusUpdate, "ada@example.com", "Booking BK-20250615-ABCDEF12 pending", "is now pending"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			b := sampleBooking()
			m := &fakeMailer{}
			w := NewWorker(m, fakeReader{b.ID: b}, "ops@example.com", nil)

			require.NoError(t, runTask(t, w, tt.typ, b))
			require.Len(t, m.sent, 1)
			assert.Equal(t, tt.to, m.sent[0].To)
			assert.Equal(t, tt.subject, m.sent[0].Subject)
			assert.Contains(t, m.sent[0].Body, tt.body)
		})
	}
}

func TestWorker_ReminderSkipsInactiveBookings(t *testing.T) {
	b := sampleBooking()
	cancelled := *b
	cancelled.Status = booking.StatusCancelled
	m := &fakeMailer{}

	w := NewWorker(m, fakeReader{b.ID: &cancelled}, "", nil)
	require.NoError(t, runTask(t, w, TypeReminder, b))

	w = NewWorker(m, fakeReader{}, "", nil)
	require.NoError(t, runTask(t, w, TypeReminder, b))

	assert.Empty(t, m.sent)
}

func TestWorker_AdminNoticeWithoutAddress(t *testing.T) {
	m := &fakeMailer{}
	w := NewWorker(m, fakeReader{}, "", nil)
	require.NoError(t, runTask(t, w, TypeAdminNotice, sampleBooking()))
	assert.Empty(t, m.sent)
}

func TestWorker_Errors(t *testing.T) {
	w := NewWorker(&fakeMailer{err: errors.New("smtp down")}, fakeReader{}, "", nil)
	err := runTask(t, w, TypeConfirmation, sampleBooking())
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	mux := asynq.NewServeMux()
	w.Register(mux)
	err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeConfirmation, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
