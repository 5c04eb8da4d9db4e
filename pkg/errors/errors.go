package errors

import (
	"errors"
	"fmt"
	"net/http"

	"atrium/internal/core/domain"
)

// ErrorCode represents application error codes, carried verbatim in
// signaling error envelopes so clients can branch on them.
type ErrorCode string

const (
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotConnected    ErrorCode = "NOT_CONNECTED"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeIncompatible    ErrorCode = "INCOMPATIBLE_CAPABILITIES"
	ErrCodeTransportFailed ErrorCode = "TRANSPORT_CREATION_FAILED"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotConnectedError() *AppError {
	return NewAppError(ErrCodeNotConnected, "peer is not connected to the room", http.StatusConflict)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps domain sentinel errors onto wire error codes. Errors
// that are not sentinels come back as INTERNAL_ERROR with the original
// message preserved for the client.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrPeerNotConnected):
		return WrapError(err, ErrCodeNotConnected, "peer is not connected to the room", http.StatusConflict)
	case errors.Is(err, domain.ErrPeerNotFound):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrConsumerNotFound):
		return WrapError(err, ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrIncompatibleCapabilities):
		return WrapError(err, ErrCodeIncompatible, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrTransportCreation):
		return WrapError(err, ErrCodeTransportFailed, err.Error(), http.StatusInternalServerError)
	case errors.Is(err, domain.ErrWrongTransportDirection),
		errors.Is(err, domain.ErrInvalidDirection):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	default:
		return WrapError(err, ErrCodeInternal, err.Error(), http.StatusInternalServerError)
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
