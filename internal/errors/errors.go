// Package errors provides standardized error handling for the field capture agent.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the field capture agent.
type ErrorCode string

const (
	// Validation errors, raised locally before any network call
	FIELD_VALIDATION          ErrorCode = "FIELD_VALIDATION"          // General validation error
	FIELD_MISSING_PHOTO       ErrorCode = "FIELD_MISSING_PHOTO"       // Submission without any photo
	FIELD_MISSING_DESCRIPTION ErrorCode = "FIELD_MISSING_DESCRIPTION" // Submission or confirmation without description
	FIELD_MISSING_STOP_NUMBER ErrorCode = "FIELD_MISSING_STOP_NUMBER" // Confirmation without stop number
	FIELD_INVALID_TYPE        ErrorCode = "FIELD_INVALID_TYPE"        // Unknown incidence type
	FIELD_SCHEMA_REJECT       ErrorCode = "FIELD_SCHEMA_REJECT"       // Outgoing payload failed schema validation

	// Permission/Hardware errors
	FIELD_PERMISSION_DENIED ErrorCode = "FIELD_PERMISSION_DENIED" // Device permission denied
	FIELD_DEVICE_NOT_FOUND  ErrorCode = "FIELD_DEVICE_NOT_FOUND"  // No matching device
	FIELD_DEVICE_BUSY       ErrorCode = "FIELD_DEVICE_BUSY"       // Device in use by another consumer
	FIELD_UNSUPPORTED       ErrorCode = "FIELD_UNSUPPORTED"       // Constraints not satisfiable
	FIELD_SECURITY_BLOCKED  ErrorCode = "FIELD_SECURITY_BLOCKED"  // Blocked by security policy
	FIELD_ABORTED           ErrorCode = "FIELD_ABORTED"           // Acquisition aborted

	// Remote processing errors
	FIELD_DECODE_FAILED         ErrorCode = "FIELD_DECODE_FAILED"         // QR decode failed
	FIELD_TRANSCRIPTION_FAILED  ErrorCode = "FIELD_TRANSCRIPTION_FAILED"  // Audio transcription failed
	FIELD_CLASSIFICATION_FAILED ErrorCode = "FIELD_CLASSIFICATION_FAILED" // AI classification failed
	FIELD_SUBMISSION_FAILED     ErrorCode = "FIELD_SUBMISSION_FAILED"     // Incidence creation failed
	FIELD_UPSTREAM              ErrorCode = "FIELD_UPSTREAM"              // Backend unreachable or malformed

	// Session errors
	FIELD_CONFLICT  ErrorCode = "FIELD_CONFLICT"  // Operation not allowed in current state
	FIELD_NOT_FOUND ErrorCode = "FIELD_NOT_FOUND" // Resource not found

	// Authentication errors
	FIELD_AUTHN ErrorCode = "FIELD_AUTHN" // Authentication failed

	// Server errors
	FIELD_INTERNAL ErrorCode = "FIELD_INTERNAL" // Internal error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	cause         error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the ErrorCode of err, or FIELD_INTERNAL when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return FIELD_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case FIELD_VALIDATION, FIELD_MISSING_PHOTO, FIELD_MISSING_DESCRIPTION,
		FIELD_MISSING_STOP_NUMBER, FIELD_INVALID_TYPE, FIELD_SCHEMA_REJECT:
		return http.StatusBadRequest
	case FIELD_PERMISSION_DENIED, FIELD_SECURITY_BLOCKED:
		return http.StatusForbidden
	case FIELD_DEVICE_NOT_FOUND, FIELD_NOT_FOUND:
		return http.StatusNotFound
	case FIELD_DEVICE_BUSY, FIELD_CONFLICT:
		return http.StatusConflict
	case FIELD_UNSUPPORTED:
		return http.StatusNotImplemented
	case FIELD_ABORTED:
		return http.StatusRequestTimeout
	case FIELD_DECODE_FAILED, FIELD_TRANSCRIPTION_FAILED, FIELD_CLASSIFICATION_FAILED:
		return http.StatusUnprocessableEntity
	case FIELD_SUBMISSION_FAILED, FIELD_UPSTREAM:
		return http.StatusBadGateway
	case FIELD_AUTHN:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
