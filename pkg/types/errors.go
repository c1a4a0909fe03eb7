package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the kernel. Callers classify with
// errors.Is; the API layer maps them to status codes.
var (
	// ErrNotFound means the named service, capability or secret does not
	// exist (or is no longer tracked).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRegistered means a live service already holds the identity.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrResourceExhausted is the retryable load-shedding rejection.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCircuitOpen means the service's circuit breaker is open and the
	// call was rejected without reaching the worker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrSwapInFlight means a hot swap is already running for the identity.
	ErrSwapInFlight = errors.New("hot swap already in flight")

	// ErrStoreClosed means the event store writer has shut down.
	ErrStoreClosed = errors.New("event store closed")
)

// ValidationError rejects a malformed request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CompileError carries the compiler's message for rejected source.
type CompileError struct {
	Module  string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Module, e.Message)
}

// DeniedError is a failed capability verification with its reason.
type DeniedError struct {
	Reason VerifyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied: %s", e.Reason)
}

// Retryable reports whether the error is transient from the caller's point
// of view: backing off and retrying may succeed without any operator action.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
