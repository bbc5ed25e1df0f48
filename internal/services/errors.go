package services

import "errors"

// Sentinel errors forming the service-layer taxonomy. Services wrap these
// with fmt.Errorf("...: %w", Err...) so handlers can map them to HTTP status
// codes with errors.Is while keeping the specific message.
var (
	// ErrValidation marks bad input shape or a missing required field.
	// Caller-recoverable; never retried automatically.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks an actor lacking rights for the requested
	// operation or transition.
	ErrUnauthorized = errors.New("not authorized")

	// ErrNotFound marks a referenced listing, user or message being absent.
	ErrNotFound = errors.New("not found")

	// ErrStorage marks a collaborator I/O failure. Retryable by the caller;
	// never silently swallowed for writes.
	ErrStorage = errors.New("storage failure")

	// ErrDegraded marks an optional collaborator (AI, geocoding, email)
	// being unavailable. Logged, then the flow continues with fallback
	// behavior; the primary action is never blocked.
	ErrDegraded = errors.New("service degraded")

	// ErrConflict marks a transition between two different terminal listing
	// states, or a duplicate where the store forbids one.
	ErrConflict = errors.New("conflicting state")
)
