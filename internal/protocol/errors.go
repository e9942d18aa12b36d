package protocol

import (
	"errors"
	"fmt"
)

// Code is a stable error class exchanged over the planter protocol.
type Code string

const (
	// CodeInvalidRequest marks malformed or semantically invalid requests.
	CodeInvalidRequest Code = "invalid_request"
	// CodeNotFound marks references to resources that do not exist.
	CodeNotFound Code = "not_found"
	// CodeTimeout marks operations that exceeded their deadline.
	CodeTimeout Code = "timeout"
	// CodeProtocolMismatch marks incompatible protocol versions during handshakes.
	CodeProtocolMismatch Code = "protocol_mismatch"
	// CodeUnavailable marks transient unavailability (worker spawn/handshake failures).
	CodeUnavailable Code = "unavailable"
	// CodeInternal marks unexpected internal failures.
	CodeInternal Code = "internal"
)

// Error is the single structured error record carried across every
// internal and wire boundary.
type Error struct {
	Code    Code   `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
	Detail  string `cbor:"detail,omitempty" json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an Error with a formatted detail string.
func Errf(code Code, message, format string, args ...any) *Error {
	return &Error{Code: code, Message: message, Detail: fmt.Sprintf(format, args...)}
}

// Err builds an Error without detail.
func Err(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapInternal converts an arbitrary error into an internal Error,
// keeping the action as the message and the cause as detail.
func WrapInternal(action string, err error) *Error {
	return &Error{Code: CodeInternal, Message: action, Detail: err.Error()}
}

// AsError normalizes err to *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeInternal, Message: "internal error", Detail: err.Error()}
}
