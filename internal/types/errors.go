package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidLat       ErrorCode = "validation_invalid_latitude"
	ErrCodeValidationInvalidLon       ErrorCode = "validation_invalid_longitude"
	ErrCodeValidationInvalidDateRange ErrorCode = "validation_invalid_date_range"
	ErrCodeValidationInvalidLocation  ErrorCode = "validation_invalid_location"
	ErrCodeValidationInvalidOutput    ErrorCode = "validation_invalid_output_type"
	ErrCodeValidationUnknownProduct   ErrorCode = "validation_unknown_product"
	ErrCodeValidationUnknownAttribute ErrorCode = "validation_unknown_attribute"
	ErrCodeValidationMixedEnsemble    ErrorCode = "validation_mixed_ensemble_attributes"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidParams    ErrorCode = "validation_invalid_params"

	// Permission (403)
	ErrCodePermissionDatasetType ErrorCode = "permission_dataset_type_denied"

	// Not Found (404)
	ErrCodeNotFoundDataset ErrorCode = "not_found_dataset"
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"
	ErrCodeNotFoundData    ErrorCode = "not_found_data"

	// Conflict (409)
	ErrCodeConflictSessionActive ErrorCode = "conflict_session_active"

	// Upstream (502)
	ErrCodeUpstreamProvider    ErrorCode = "upstream_provider_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_request_rejected"

	// Internal (500)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalObjectStore ErrorCode = "internal_object_store_error"
	ErrCodeInternalTableEngine ErrorCode = "internal_table_engine_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"

	// StoreInconsistent marks coordinate-mapping corruption in the array
	// store. It is fatal for the slab being written and must never be
	// swallowed by intermediate error handling.
	ErrCodeStoreInconsistent ErrorCode = "internal_store_inconsistent"

	// ResourceMissing marks a required upstream artifact that is absent for
	// a scheduled run (e.g. no forecast store for the DCAS request date).
	ErrCodeResourceMissing ErrorCode = "resource_missing"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case s == string(ErrCodeResourceMissing):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the
// platform. All domain errors should be expressed as AppError to enable
// consistent formatting, HTTP status mapping, and error chain support.
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

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
