// Package core defines the canonical error taxonomy shared by the SDK
// surface and the transports.
package core

import (
	"errors"
	"fmt"
)

// Error represents a session or protocol error.
type Error struct {
	Type    ErrorType      `json:"type"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrConnection     ErrorType = "connection_error"
	ErrServer         ErrorType = "server_error"
	ErrDisconnected   ErrorType = "disconnected_error"
	ErrCanceled       ErrorType = "canceled_error"
)

// Stable error codes. CodeConnectionBlocked is the single non-retryable
// code; every other code defaults to retryable.
const (
	CodeConnectionBlocked = "connection_blocked"
	CodeConnectionTimeout = "connection_timeout"
	CodeWebSocketError    = "websocket_error"
	CodeTranscriptTimeout = "transcript_timeout"
	CodeEditTimeout       = "edit_timeout"
	CodeCommandTimeout    = "command_timeout"
	CodeDisconnected      = "disconnected"
	CodeCanceled          = "canceled"
	CodeSlotOccupied      = "request_pending"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewTimeoutError creates a timeout error with a stable code.
func NewTimeoutError(code, message string) *Error {
	return &Error{
		Type:    ErrTimeout,
		Message: message,
		Code:    code,
	}
}

// NewBlockedError creates the non-retryable blocked-connection error.
func NewBlockedError(message string) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
		Code:    CodeConnectionBlocked,
	}
}

// NewConnectionError creates a generic, retryable transport error.
func NewConnectionError(message string) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
		Code:    CodeWebSocketError,
	}
}

// NewServerError creates an error from a server error frame.
func NewServerError(code, message string, details map[string]any) *Error {
	return &Error{
		Type:    ErrServer,
		Message: message,
		Code:    code,
		Details: details,
	}
}

// NewDisconnectedError creates the distinguished local-teardown error.
// Callers treat it as "not a real failure" and suppress it from display.
func NewDisconnectedError() *Error {
	return &Error{
		Type:    ErrDisconnected,
		Message: "session disconnected",
		Code:    CodeDisconnected,
	}
}

// NewCanceledError creates a caller-initiated cancellation error.
func NewCanceledError() *Error {
	return &Error{
		Type:    ErrCanceled,
		Message: "session canceled",
		Code:    CodeCanceled,
	}
}

// IsRetryable returns true if re-issuing the same request may succeed.
// The blocked-connection code is the single canonical non-retryable code.
func (e *Error) IsRetryable() bool {
	if e.Code == CodeConnectionBlocked {
		return false
	}
	switch e.Type {
	case ErrDisconnected, ErrCanceled, ErrInvalidRequest:
		return false
	default:
		return true
	}
}

// IsDisconnect reports whether err is the distinguished local-teardown error.
func IsDisconnect(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrDisconnected
}

// IsCanceled reports whether err is a caller-initiated cancellation.
func IsCanceled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrCanceled
}

// IsBlocked reports whether err carries the blocked-connection code.
func IsBlocked(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeConnectionBlocked
}

// IsTimeout reports whether err is a deferred-timeout error.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrTimeout
}
