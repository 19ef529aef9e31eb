package models

import "errors"

var (
	ErrAuthentication       = errors.New("notification authentication failed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidNotification  = errors.New("invalid notification")
	ErrNotFound             = errors.New("subscription not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrConcurrency          = errors.New("concurrent modification")
	ErrRemoteUnavailable    = errors.New("fulfillment service unavailable")
	ErrNotificationInFlight = errors.New("notification is already being processed")
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for another subscription")

	// Store level errors
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate key")
	ErrRecordNotFound  = errors.New("record not found")
)

// IsTerminal reports whether err ends processing for good: the sender is
// acknowledged and a replay will not change the outcome.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrUnsupportedOperation) ||
		errors.Is(err, ErrInvalidNotification) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIdempotencyKeyReused)
}
