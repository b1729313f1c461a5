// Package syncerr defines the error taxonomy shared by the sync engine and
// its collaborators.
//
// Every failure surfaced to a mutation caller is an *Error with one of four
// codes. Callers branch with the Is* predicates, which see through wrapping.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeNetworkFailure indicates a timeout or connectivity problem.
	// Retried only by the bulk-load path.
	CodeNetworkFailure Code = "NETWORK_FAILURE"

	// CodeServerRejected indicates a non-2xx response. The server message is
	// surfaced verbatim.
	CodeServerRejected Code = "SERVER_REJECTED"

	// CodeInvalidOperation indicates a missing identifier or malformed input,
	// detected before any state change.
	CodeInvalidOperation Code = "INVALID_OPERATION"

	// CodeDuplicateRequest indicates a deduplication guard veto.
	CodeDuplicateRequest Code = "DUPLICATE_REQUEST"
)

// Error is a classified sync failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Kind is the entity kind involved (member, invoice, ...), if any.
	Kind string

	// Op is the operation (create, update, delete, list).
	Op string

	// Message is the user-facing message.
	Message string

	// Status is the HTTP status for CodeServerRejected, zero otherwise.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = Fallback(e.Op, e.Kind)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Code, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the text to show the user: the server's message when
// one was supplied, otherwise the generic fallback.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return Fallback(e.Op, e.Kind)
}

// Fallback is the generic message used when the server supplied none.
func Fallback(op, kind string) string {
	switch {
	case op == "" && kind == "":
		return "Request failed"
	case kind == "":
		return fmt.Sprintf("Failed to %s", op)
	case op == "":
		return fmt.Sprintf("Failed to process %s", kind)
	default:
		return fmt.Sprintf("Failed to %s %s", op, kind)
	}
}

// NetworkFailure wraps a transport-level error.
func NetworkFailure(kind, op string, err error) *Error {
	return &Error{
		Code:    CodeNetworkFailure,
		Kind:    kind,
		Op:      op,
		Message: Fallback(op, kind),
		Err:     err,
	}
}

// ServerRejected builds an error for a non-2xx response. An empty message
// falls back to "Failed to {op} {kind}".
func ServerRejected(kind, op string, status int, message string) *Error {
	if message == "" {
		message = Fallback(op, kind)
	}
	return &Error{
		Code:    CodeServerRejected,
		Kind:    kind,
		Op:      op,
		Message: message,
		Status:  status,
	}
}

// InvalidOperation builds an error for input rejected before any state change.
func InvalidOperation(kind, op, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidOperation,
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// DuplicateRequest builds an error for a guard veto on key.
func DuplicateRequest(kind, op, key string) *Error {
	return &Error{
		Code:    CodeDuplicateRequest,
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf("%s %s already in flight (%s)", op, kind, key),
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNetworkFailure reports whether err is a network failure.
func IsNetworkFailure(err error) bool {
	return CodeOf(err) == CodeNetworkFailure
}

// IsServerRejected reports whether err is a server rejection.
func IsServerRejected(err error) bool {
	return CodeOf(err) == CodeServerRejected
}

// IsInvalidOperation reports whether err is an invalid operation.
func IsInvalidOperation(err error) bool {
	return CodeOf(err) == CodeInvalidOperation
}

// IsDuplicateRequest reports whether err is a deduplication veto.
func IsDuplicateRequest(err error) bool {
	return CodeOf(err) == CodeDuplicateRequest
}

// IsPermanent reports whether retrying err cannot succeed: invalid
// operations, duplicate vetoes and 4xx rejections.
func IsPermanent(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case CodeInvalidOperation, CodeDuplicateRequest:
		return true
	case CodeServerRejected:
		return se.Status >= 400 && se.Status < 500
	default:
		return false
	}
}
