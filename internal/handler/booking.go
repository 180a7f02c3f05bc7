package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

// Quote prices a booking request without persisting it.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.bookingRequest(w, r)
	if !ok {
		return
	}
	q, err := h.bookings.Quote(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeQuote(q))
}

// CreateBooking persists a booking and redeems its coupon.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	req, ok := h.bookingRequest(w, r)
	if !ok {
		return
	}
	b, err := h.bookings.CreateBooking(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/bookings/"+b.Number)
	writeJSON(w, http.StatusCreated, encodeBooking(b))
}

// GetBooking returns a booking by its public number.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.GetBookingByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeBooking(b))
}

// UpdateStatus moves a booking through its lifecycle.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := decodeStatus(data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.bookings.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeBooking(b))
}

// Recalculate recomputes one coupon's usage count.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	count, err := h.ledger.RecalculateUsageCount(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("coupon_id", func(e *jx.Encoder) { e.Str(id) })
		e.Field("usage_count", func(e *jx.Encoder) { e.Int(count) })
	})
	writeJSON(w, http.StatusOK, e)
}

// RecalculateAll repairs every coupon's usage count.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.RecalculateAllUsageCounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("checked", func(e *jx.Encoder) { e.Int(res.Checked) })
		e.Field("fixed", func(e *jx.Encoder) { e.Int(res.Fixed) })
	})
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) bookingRequest(w http.ResponseWriter, r *http.Request) (booking.Request, bool) {
	data, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return booking.Request{}, false
	}
	req, err := decodeBookingRequest(data)
	if err != nil {
		h.writeError(w, r, err)
		return booking.Request{}, false
	}
	return req, true
}

// writeError maps domain errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq   *badRequestError
		invalid  *booking.ValidationError
		notFound *booking.NotFoundError
		busy     *booking.BusyError
	)
	switch {
	case errors.As(err, &badReq):
		writeMessage(w, http.StatusBadRequest, badReq.Error())
	case errors.As(err, &invalid):
		writeProblem(w, http.StatusUnprocessableEntity, invalid.Error(), invalid.Field)
	case errors.As(err, &notFound):
		writeMessage(w, http.StatusNotFound, notFound.Error())
	case errors.Is(err, coupon.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.As(err, &busy), errors.Is(err, coupon.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.retry.Seconds()))))
		writeMessage(w, http.StatusConflict, "resource is busy, retry later")
	case errors.Is(err, booking.ErrInvalidTransition):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}
