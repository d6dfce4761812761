package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode categorises a failure so callers can tell "fix your request" from
// "you may not do this" from "try again later".
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeAuthentication   ErrorCode = "AUTHENTICATION"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeDatabaseQuery    ErrorCode = "DATABASE_QUERY"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// AppError is the structured error returned across package boundaries.
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
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

// WithContext adds a key/value pair to the error context
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to clients
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// Invalid reports a client-input error.
func Invalid(format string, args ...interface{}) *AppError {
	msg := fmt.Sprintf(format, args...)
	return New(ErrCodeInvalidInput, msg).WithUserMessage(msg)
}

// Forbidden reports an authorization error.
func Forbidden(format string, args ...interface{}) *AppError {
	msg := fmt.Sprintf(format, args...)
	return New(ErrCodeForbidden, msg).WithUserMessage(msg)
}

func NotFound(resource string, id interface{}) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", id).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// MediaUnavailable is returned when referenced media vanished between
// validation and commit. The client should upload again and retry.
func MediaUnavailable(cause error) *AppError {
	e := Wrap(cause, ErrCodeMediaUnavailable, "referenced media no longer available").
		WithUserMessage("Media no longer available, please re-upload and retry")
	e.Retryable = true
	return e
}

func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// GetCode extracts the error code, searching the wrap chain.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Is reports whether any AppError in the chain carries code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

func GetUserMessage(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return "An internal error occurred"
}

// HTTPStatusCode maps error codes to HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMediaUnavailable:
		return http.StatusConflict
	case ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body written for failed requests and the payload
// of websocket error events.
type ErrorResponse struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

func ToResponse(err error) ErrorResponse {
	return ErrorResponse{
		Code:      GetCode(err),
		Message:   GetUserMessage(err),
		Retryable: IsRetryable(err),
	}
}
