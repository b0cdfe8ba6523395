package kagura

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("kagura: invalid event")
	// ErrInvalidCommand indicates that a command specification is malformed.
	ErrInvalidCommand = errors.New("kagura: invalid command")
	// ErrTransport indicates a connector disconnect or wire-level failure.
	ErrTransport = errors.New("kagura: transport error")
	// ErrMalformedFrame indicates an inbound frame that could not be parsed.
	ErrMalformedFrame = errors.New("kagura: malformed frame")
	// ErrUnavailable indicates that an outbound send exhausted its retries.
	ErrUnavailable = errors.New("kagura: destination unavailable")
	// ErrForbidden indicates that the sender lacks the roles a command requires.
	ErrForbidden = errors.New("kagura: forbidden")
	// ErrRateLimited indicates that a rate-limit bucket had no capacity.
	ErrRateLimited = errors.New("kagura: rate limited")
	// ErrUnsatisfiedDependency indicates a module whose required keys are absent.
	ErrUnsatisfiedDependency = errors.New("kagura: unsatisfied dependency")
	// ErrScriptTimeout indicates a scripted handler that exceeded its budget.
	ErrScriptTimeout = errors.New("kagura: script timeout")
	// ErrHandlerPanic indicates a handler that panicked during execution.
	ErrHandlerPanic = errors.New("kagura: handler panic")
	// ErrConflict indicates a duplicate module, command name or alias.
	ErrConflict = errors.New("kagura: conflict")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("kagura: service not found")
	// ErrWithdrawn indicates a value that was available and has been withdrawn.
	ErrWithdrawn = errors.New("kagura: value withdrawn")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("kagura: subscription closed")
	// ErrNotFound indicates a storage key miss.
	ErrNotFound = errors.New("kagura: not found")
)
