// Package errors provides coded application errors shared across the
// sync core and the daemon API.
package errors

import "fmt"

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Record errors
	ErrRecordNotFound ErrorCode = "RECORD_NOT_FOUND"
	ErrUnknownTable   ErrorCode = "UNKNOWN_TABLE"

	// Sync errors
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline      ErrorCode = "SYNC_OFFLINE"
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrSyncCircuitOpen  ErrorCode = "SYNC_CIRCUIT_OPEN"
	ErrSyncExchange     ErrorCode = "SYNC_EXCHANGE_FAILED"
	ErrSyncUnresolvedFK ErrorCode = "SYNC_UNRESOLVED_FK"
	ErrSyncItemRejected ErrorCode = "SYNC_ITEM_REJECTED"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrSyncWatchdog     ErrorCode = "SYNC_WATCHDOG_EXPIRED"
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the outermost code of err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}
