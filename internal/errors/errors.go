// Package errors provides error codes shared by the offline sync core and the
// surfaces that embed it (CLI daemon, mobile bridge).
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code that can cross the FFI boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Persistence errors
	ErrStoreFailed ErrorCode = "STORE_FAILED"
	ErrInitFailed  ErrorCode = "INIT_FAILED"
	ErrCorruptData ErrorCode = "CORRUPT_DATA"

	// Queue errors
	ErrInvalidAction  ErrorCode = "INVALID_ACTION"
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	// Sync errors
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncConflict    ErrorCode = "SYNC_CONFLICT"
	ErrRemoteTransient ErrorCode = "REMOTE_TRANSIENT"
	ErrRemoteRejected  ErrorCode = "REMOTE_REJECTED"
	ErrOffline         ErrorCode = "OFFLINE"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
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

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
