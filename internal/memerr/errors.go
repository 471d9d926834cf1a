// Package memerr defines the typed error taxonomy shared by every
// subsystem (math engine, forgetting job, tier manager, dedup engine,
// retrieval engine, harvester, assessment pipeline).
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, independent of its message.
type Kind int

const (
	// Unknown is the zero value; never constructed intentionally.
	Unknown Kind = iota
	// Database indicates a transport or constraint failure at the storage layer.
	Database
	// NotFound indicates the referenced id does not exist or is not Active.
	NotFound
	// InvalidRequest indicates the caller violated a precondition.
	InvalidRequest
	// InvalidData indicates a stored row violates an invariant.
	InvalidData
	// SafetyViolation indicates a guarded mutation was attempted on a protected memory.
	SafetyViolation
	// ConcurrencyError indicates an advisory lock was unavailable or an operation was already in-flight.
	ConcurrencyError
	// OperationTimeout indicates a configured time budget was exceeded.
	OperationTimeout
	// NumericError indicates the math engine produced NaN/Inf with no fallback available.
	NumericError
)

func (k Kind) String() string {
	switch k {
	case Database:
		return "database"
	case NotFound:
		return "not_found"
	case InvalidRequest:
		return "invalid_request"
	case InvalidData:
		return "invalid_data"
	case SafetyViolation:
		return "safety_violation"
	case ConcurrencyError:
		return "concurrency_error"
	case OperationTimeout:
		return "operation_timeout"
	case NumericError:
		return "numeric_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by engine operations. Callers
// inspect it with errors.As and compare its Kind, rather than matching on
// message text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
