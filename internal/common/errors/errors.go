// Package errors provides the error taxonomy for agent operations.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	// ErrCodeTimeout: the handshake or initialization exceeded its bound.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeNotConnected: an operation referenced an unknown agent id.
	ErrCodeNotConnected = "NOT_CONNECTED"
	// ErrCodeNotFound: an unknown session or permission request id.
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput: a malformed request, e.g. empty prompt text.
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeBusy: the operation is disallowed while a prompt is active.
	ErrCodeBusy = "BUSY"
	// ErrCodeAuthRequired: the agent reported an authentication error.
	ErrCodeAuthRequired = "AUTH_REQUIRED"
	// ErrCodeInternal: the agent reported an internal protocol error.
	ErrCodeInternal = "INTERNAL"
	// ErrCodeProtocol: the agent reported a structured error of another kind.
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeProcessCrashed: the connection ended without a structured error.
	ErrCodeProcessCrashed = "PROCESS_CRASHED"
	// ErrCodeTransport: a command or response channel closed unexpectedly.
	ErrCodeTransport = "TRANSPORT"
)

// AppError represents an agent operation failure with a classified code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Timeout creates a timeout error for an operation that exceeded its bound.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("%s timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// NotConnected creates an error for an operation on an unknown agent id.
func NotConnected(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeNotConnected,
		Message:    fmt.Sprintf("agent '%s' is not connected", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotFound creates an error for an unknown resource id.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidInput creates an error for a malformed request.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Busy creates an error for an operation rejected while a prompt is active.
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// AuthRequired creates an error for an agent-side authentication failure.
func AuthRequired(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthRequired,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Internal creates an error for an agent-side internal failure.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Protocol creates an error for an unclassified structured protocol error.
func Protocol(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// ProcessCrashed creates an error for a connection that died without a
// structured error on the wire.
func ProcessCrashed(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProcessCrashed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// Transport creates an error for a command or reply channel that closed
// before the agent answered.
func Transport(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTransport,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the taxonomy code for an error, or empty if it is not an
// AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
