// Package fault defines the error vocabulary shared by every component in the
// platform. Providers, stores, and transports classify their failures into a
// small set of kinds at the boundary; everything above the boundary makes
// retry and surfacing decisions from the kind alone.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	// SchemaViolation indicates input that fails a declared contract. Not
	// retryable; the request must change.
	SchemaViolation Kind = "schema_violation"

	// NotFound indicates a named entity (collection, workflow, schedule,
	// document) that does not exist. Not retryable.
	NotFound Kind = "not_found"

	// Conflict indicates a non-retryable conflict with existing state, for
	// example creating a schedule whose id is already taken.
	Conflict Kind = "conflict"

	// Transient indicates an external dependency that is temporarily
	// unavailable. Retry with backoff up to the caller's policy.
	Transient Kind = "transient"

	// Timeout indicates an operation that exceeded its deadline. Treated as
	// Transient until the retry budget is exhausted.
	Timeout Kind = "timeout"

	// RateLimited indicates a provider signalled overload. Retry with
	// increased backoff.
	RateLimited Kind = "rate_limited"

	// DeterminismViolation indicates a workflow replay observed divergent
	// history. The execution is unrecoverable.
	DeterminismViolation Kind = "determinism_violation"

	// Internal indicates an unexpected invariant break. Logged with full
	// context and surfaced to the operator; clients must not retry.
	Internal Kind = "internal"
)

// Error carries a kind, the operation that failed, and the underlying cause.
// It is intended to cross package boundaries; use KindOf to recover the
// classification anywhere in the chain.
type Error struct {
	kind  Kind
	op    string
	msg   string
	cause error
}

// New constructs an Error with a literal message and no cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{kind: kind, op: op, msg: msg}
}

// Wrap classifies an underlying error. cause may not be nil.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		panic("fault: cause is required")
	}
	return &Error{kind: kind, op: op, cause: cause}
}

// Errorf constructs an Error with a formatted message. When the last argument
// is an error it is retained as the cause, mirroring fmt.Errorf with %w.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	e := &Error{kind: kind, op: op, msg: fmt.Sprintf(format, args...)}
	if len(args) > 0 {
		if cause, ok := args[len(args)-1].(error); ok {
			e.cause = cause
		}
	}
	return e
}

// Kind returns the classification.
func (e *Error) Kind() Kind { return e.kind }

// Op returns the failing operation, for example "memory.save".
func (e *Error) Op() string { return e.op }

func (e *Error) Error() string {
	msg := e.msg
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "failure"
	}
	if e.op == "" {
		return fmt.Sprintf("%s: %s", e.kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.op, e.kind, msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the first classification found in err's chain. Deadline and
// cancellation errors from context classify as Timeout. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a retry of the failed operation may succeed
// without changing the request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Timeout, RateLimited:
		return true
	}
	return false
}

// HTTPStatus maps a classified error to the status code the HTTP surface
// returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case SchemaViolation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Transient, Timeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NonRetryableKinds lists the kinds that no retry policy may reschedule.
// Workflow activity options translate these into the runtime's non-retryable
// error types.
func NonRetryableKinds() []Kind {
	return []Kind{SchemaViolation, NotFound, Conflict, DeterminismViolation, Internal}
}
