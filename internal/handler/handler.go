package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/servicebook/internal/domain/auth"
	"github.com/xenking/servicebook/internal/domain/booking"
	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// APIKeyPepper is the HMAC key API keys are hashed with.
	APIKeyPepper []byte
	// BusyRetryAfter is advertised in Retry-After when a booking call lost
	// a lock wait.
	BusyRetryAfter time.Duration
}

// Handler serves the booking HTTP API, delegating to the booking service and
// the coupon ledger.
type Handler struct {
	catalog  catalog.Repository
	bookings *booking.Service
	ledger   *coupon.Ledger
	security *Security
	retry    time.Duration
}

// New constructs a Handler.
func New(
	cfg Config,
	services catalog.Repository,
	bookings *booking.Service,
	ledger *coupon.Ledger,
	apikeys auth.Repository,
) *Handler {
	retry := cfg.BusyRetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	return &Handler{
		catalog:  services,
		bookings: bookings,
		ledger:   ledger,
		security: NewSecurity(apikeys, cfg.APIKeyPepper),
		retry:    retry,
	}
}

// Mount registers the API routes under /api on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/services", h.ListServices)
		r.Post("/quote", h.Quote)
		r.Post("/bookings", h.CreateBooking)
		r.Get("/bookings/{number}", h.GetBooking)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.security.Require(auth.ScopeAdmin))
			r.Patch("/bookings/{id}/status", h.UpdateStatus)
			r.Post("/coupons/recalculate", h.RecalculateAll)
			r.Post("/coupons/{id}/recalculate", h.Recalculate)
		})
	})
}

// ListServices returns the active catalog.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.catalog.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeServices(services))
}
