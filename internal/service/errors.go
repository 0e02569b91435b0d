package service

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the service-layer error carried to the API boundary. Code is a
// stable machine-readable identifier; Retryable tells automated callers
// whether backing off and retrying can help.
type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	// RetryAfterSeconds is set on rate-limit rejections.
	RetryAfterSeconds int64
	Cause             error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

func NotOwner(operation string) *AppError {
	return NewAppError(http.StatusForbidden, "NOT_OWNER", fmt.Sprintf("%s is restricted to the registry owner", operation), false, nil)
}

func InsufficientData(signal, reason string) *AppError {
	return NewAppError(
		http.StatusUnprocessableEntity,
		"INSUFFICIENT_DATA",
		fmt.Sprintf("%s signal cannot be derived: %s", signal, reason),
		false,
		nil,
	)
}

func RateLimited(retryAfterSeconds int64) *AppError {
	e := NewAppError(http.StatusTooManyRequests, "RATE_LIMITED", "free tier rate limit exceeded", true, nil)
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}
