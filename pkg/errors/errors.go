package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// and matched by callers deciding on retry policy.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so sentinel comparisons survive WithInternal copies.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError with a replaced message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid input",
		StatusCode: http.StatusBadRequest,
	}

	// ErrDeviceUnreachable marks a transient network failure talking to the
	// access-control platform. Retry policy belongs to the caller.
	ErrDeviceUnreachable = &AppError{
		Code:       "DEVICE_UNREACHABLE",
		Message:    "Access-control device is unreachable",
		StatusCode: http.StatusBadGateway,
	}

	// ErrDeviceRejected means the device understood the request and declined it.
	// Not retried automatically.
	ErrDeviceRejected = &AppError{
		Code:       "DEVICE_REJECTED",
		Message:    "Access-control device rejected the request",
		StatusCode: http.StatusUnprocessableEntity,
	}

	// ErrBiometricRejected means the device declined the face payload.
	ErrBiometricRejected = &AppError{
		Code:       "BIOMETRIC_REJECTED",
		Message:    "Access-control device rejected the face data",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrGatewayUnreachable = &AppError{
		Code:       "GATEWAY_UNREACHABLE",
		Message:    "Automation gateway is not available",
		StatusCode: http.StatusBadGateway,
	}

	ErrGatewayTimeout = &AppError{
		Code:       "GATEWAY_TIMEOUT",
		Message:    "Automation gateway timed out",
		StatusCode: http.StatusGatewayTimeout,
	}

	// ErrGatewayRejected carries a structured failure from the automation agent,
	// including the provisioning step that failed.
	ErrGatewayRejected = &AppError{
		Code:       "GATEWAY_REJECTED",
		Message:    "Automation gateway rejected the request",
		StatusCode: http.StatusUnprocessableEntity,
	}

	// ErrRetryExhausted is terminal after bounded retries; always surfaced as an
	// actionable notification, never silently dropped.
	ErrRetryExhausted = &AppError{
		Code:       "RETRY_EXHAUSTED",
		Message:    "All provisioning attempts failed",
		StatusCode: http.StatusBadGateway,
	}

	// ErrPartialFailure reports a sweep where local revocation succeeded but one
	// or more device-side cleanups failed.
	ErrPartialFailure = &AppError{
		Code:       "PARTIAL_FAILURE",
		Message:    "Some device-side operations failed",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrStateConflict signals an optimistic-version mismatch; the caller must
	// retry the read-transition-write cycle.
	ErrStateConflict = &AppError{
		Code:       "STATE_CONFLICT",
		Message:    "Record was modified concurrently",
		StatusCode: http.StatusConflict,
	}

	// ErrInvalidTransition signals a lifecycle edge that does not exist.
	ErrInvalidTransition = &AppError{
		Code:       "INVALID_TRANSITION",
		Message:    "State transition is not allowed",
		StatusCode: http.StatusConflict,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewValidation wraps input validation failures with a helpful message.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       ErrValidation.Code,
		Message:    message,
		StatusCode: ErrValidation.StatusCode,
	}
}

// IsRetryable reports whether the error represents a transient failure that a
// bounded retry policy may attempt again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeviceUnreachable) ||
		errors.Is(err, ErrGatewayUnreachable) ||
		errors.Is(err, ErrGatewayTimeout)
}
