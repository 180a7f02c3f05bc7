package booking

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Storage sentinels.
var (
	ErrNotFound        = errors.New("booking not found")
	ErrDuplicateNumber = errors.New("booking number already exists")
	ErrBusy            = errors.New("booking is locked by another request")
)

// ErrInvalidTransition matches every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing or inactive service, or a missing booking.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// BusyError reports that a lock could not be acquired in time. Nothing was
// persisted, so the whole call may be retried.
type BusyError struct {
	Resource string
	Err      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is busy, retry later", e.Resource)
}

func (e *BusyError) Unwrap() error { return e.Err }

// Retryable always reports true.
func (e *BusyError) Retryable() bool { return true }

// InvalidTransitionError reports a status change not allowed from the
// booking's current status.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move booking from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
