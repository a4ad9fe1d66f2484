package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"

	// Call taxonomy
	ErrCodeMediaAccess      ErrorCode = "MEDIA_ACCESS"
	ErrCodeSignalRelay      ErrorCode = "SIGNAL_RELAY"
	ErrCodeNegotiation      ErrorCode = "NEGOTIATION"
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
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

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// NewConflictError reports a request that does not fit the session's
// current state, such as joining twice.
func NewConflictError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeConflict, message, http.StatusConflict)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// NewMediaAccessError reports that camera, microphone or display capture was
// denied or is unavailable. Fatal to call setup.
func NewMediaAccessError(source string, cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAccess, fmt.Sprintf("cannot access %s", source), http.StatusFailedDependency).
		WithContext("source", source)
}

// NewSignalRelayError reports a failed relay call or feed subscription.
func NewSignalRelayError(action string, cause error) *AppError {
	return WrapError(cause, ErrCodeSignalRelay, fmt.Sprintf("signal relay %s failed", action), http.StatusBadGateway).
		WithContext("action", action)
}

// NewNegotiationError reports an SDP or ICE step that failed for one peer.
func NewNegotiationError(peer, step string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiation, fmt.Sprintf("%s with %s failed", step, peer), http.StatusConflict).
		WithContext("peer", peer).
		WithContext("step", step)
}

func NewConnectionFailedError(peer string) *AppError {
	return NewAppError(ErrCodeConnectionFailed, fmt.Sprintf("connection to %s failed", peer), http.StatusBadGateway).
		WithContext("peer", peer)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		appErr := GetAppError(err)
		if appErr == nil {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}
