package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies relay failures.
type ErrorCode string

const (
	ErrCodeMalformedRecord ErrorCode = "MALFORMED_RECORD"
	ErrCodeEncode          ErrorCode = "ENCODE_FAILED"
	ErrCodeDecode          ErrorCode = "DECODE_FAILED"
	ErrCodeTransportWrite  ErrorCode = "TRANSPORT_WRITE_FAILED"
	ErrCodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// AppError is an error with a code, an HTTP status for the status API and
// free-form context (peer id, sizes, ...).
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a context value and returns e for chaining.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	e := NewAppError(code, message, httpStatus)
	e.Cause = err
	return e
}

// Relay error constructors. The cause is kept so errors.Is matches the
// domain sentinels.

func NewMalformedRecordError(cause error) *AppError {
	return WrapError(cause, ErrCodeMalformedRecord, "record rejected", http.StatusBadRequest)
}

func NewEncodeError(cause error) *AppError {
	return WrapError(cause, ErrCodeEncode, "frame not encoded", http.StatusInternalServerError)
}

func NewDecodeError(cause error) *AppError {
	return WrapError(cause, ErrCodeDecode, "chunk not decoded", http.StatusInternalServerError)
}

func NewTransportWriteError(peer string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransportWrite, "write to peer failed", http.StatusBadGateway).
		WithContext("peer_id", peer)
}

func NewTransportClosedError(peer string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransportClosed, "peer connection closed", http.StatusBadGateway).
		WithContext("peer_id", peer)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetAppError returns the first AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// StatusOf maps err to an HTTP status, 500 when unclassified.
func StatusOf(err error) int {
	if appErr := GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
