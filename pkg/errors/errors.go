package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Session / credential failures. Bad credentials or a rejected refresh
	// token force the session back to Anonymous.
	ErrorTypeAuth ErrorType = "AUTH"

	// Transient transport failures. Optimistic local state is rolled back
	// and the caller may retry.
	ErrorTypeNetwork ErrorType = "NETWORK"

	// The referenced server entity vanished. Enters a terminal "gone"
	// state for that entity.
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// Caught locally before any network call is made.
	ErrorTypeValidation ErrorType = "VALIDATION"

	// Surfaced verbatim; callers disable affordances rather than fail hard.
	ErrorTypePermission ErrorType = "PERMISSION_DENIED"

	// A competing local operation is already in flight.
	ErrorTypeConflict ErrorType = "CONFLICT"

	// Everything else.
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents a client-layer error with enough context for the
// caller to decide between retry, rollback and user-facing display.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"` // upstream status that produced this error, 0 if none
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetails adds error details
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// WithStatus records the upstream HTTP status
func (e *AppError) WithStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// Constructor functions for common error types

// NewAuthError creates an authentication error. The message is the server's
// verbatim detail when one was provided.
func NewAuthError(message string) *AppError {
	if message == "" {
		message = "authentication failed"
	}
	return &AppError{
		Type:       ErrorTypeAuth,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewNetworkError creates a transient transport error
func NewNetworkError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeNetwork,
		Message: message,
		Cause:   err,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewPermissionError creates a permission denied error
func NewPermissionError(message string) *AppError {
	if message == "" {
		message = "permission denied"
	}
	return &AppError{
		Type:       ErrorTypePermission,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
	}
}

// Helper functions

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsAuth checks if an error is an authentication error
func IsAuth(err error) bool {
	return IsType(err, ErrorTypeAuth)
}

// IsNetwork checks if an error is a transport error
func IsNetwork(err error) bool {
	return IsType(err, ErrorTypeNetwork)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsPermissionDenied checks if an error is a permission error
func IsPermissionDenied(err error) bool {
	return IsType(err, ErrorTypePermission)
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, add context to message
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	// Otherwise create a new internal error
	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
