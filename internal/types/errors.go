package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidLat     ErrorCode = "validation_invalid_latitude"
	ErrCodeValidationInvalidLon     ErrorCode = "validation_invalid_longitude"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidReading ErrorCode = "validation_invalid_reading"
	ErrCodeValidationInvalidZone    ErrorCode = "validation_invalid_zone"
	ErrCodeValidationInvalidAlert   ErrorCode = "validation_invalid_alert"
	ErrCodeValidationThresholdRange ErrorCode = "validation_threshold_out_of_range"
	ErrCodeValidationInvalidPIN     ErrorCode = "validation_invalid_pin_format"

	// Pairing
	ErrCodePairingInvalidPIN ErrorCode = "pairing_invalid_pin"
	ErrCodePairingRejected   ErrorCode = "pairing_rejected"
	ErrCodePairingNotAdmin   ErrorCode = "pairing_not_admin"

	// Not Found (404)
	ErrCodeNotFoundChild   ErrorCode = "not_found_child"
	ErrCodeNotFoundLink    ErrorCode = "not_found_link"
	ErrCodeNotFoundAlert   ErrorCode = "not_found_alert"
	ErrCodeNotFoundSession ErrorCode = "not_found_session"

	// Conflict (409)
	ErrCodeConflictTransition ErrorCode = "conflict_invalid_transition"
	ErrCodeConflictStopped    ErrorCode = "conflict_session_stopped"
	ErrCodeConflictAdmin      ErrorCode = "conflict_admin_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamBackend     ErrorCode = "upstream_backend_unavailable"
	ErrCodeUpstreamPush        ErrorCode = "upstream_push_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case c == ErrCodePairingInvalidPIN:
		return http.StatusNotFound
	case c == ErrCodePairingRejected:
		return http.StatusConflict
	case c == ErrCodePairingNotAdmin:
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the engine.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or ""
// when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
