// Package errors provides error codes shared by the relay, the CLI and the HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrDataDirBusy ErrorCode = "DATA_DIR_BUSY"

	// Delivery errors
	ErrDeliveryFailed   ErrorCode = "DELIVERY_FAILED"
	ErrDeliveryRejected ErrorCode = "DELIVERY_REJECTED"
	ErrTargetUnresolved ErrorCode = "TARGET_UNRESOLVED"

	// Session errors
	ErrSessionCapacity  ErrorCode = "SESSION_CAPACITY"
	ErrSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionState     ErrorCode = "SESSION_STATE"
	ErrSessionCancelled ErrorCode = "SESSION_CANCELLED"

	// Input errors
	ErrConfigInvalid  ErrorCode = "CONFIG_INVALID"
	ErrPayloadInvalid ErrorCode = "PAYLOAD_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
