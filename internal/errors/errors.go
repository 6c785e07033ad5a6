package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Remote and transport outcomes of a routed operation
	ErrCodeTransport          ErrorCode = "TRANSPORT_FAILED"
	ErrCodeRemoteRetryable    ErrorCode = "REMOTE_RETRYABLE"
	ErrCodeRemoteNonRetryable ErrorCode = "REMOTE_NON_RETRYABLE"
	ErrCodeRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeRequestCanceled    ErrorCode = "REQUEST_CANCELED"

	// Routing metadata errors
	ErrCodePartitionNotFound     ErrorCode = "PARTITION_NOT_FOUND"
	ErrCodeMetadataLoad          ErrorCode = "METADATA_LOAD_FAILED"
	ErrCodeTopologyRefreshFailed ErrorCode = "TOPOLOGY_REFRESH_FAILED"

	// Infrastructure errors
	ErrCodeConfigLoad           ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// RoutingError is the terminal error of a routed operation. For remote
// failures it carries the last observed status and sub-status together with
// how many attempts were made and which regions were contacted.
type RoutingError struct {
	Code         ErrorCode              `json:"code"`
	Message      string                 `json:"message"`
	Details      string                 `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	ActivityID   string                 `json:"activity_id,omitempty"`
	Component    string                 `json:"component,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	SubStatus    int                    `json:"sub_status,omitempty"`
	Attempts     int                    `json:"attempts,omitempty"`
	RegionsTried []string               `json:"regions_tried,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Cause        error                  `json:"-"`
}

// Error implements the error interface
func (e *RoutingError) Error() string {
	var b strings.Builder
	if e.ActivityID != "" {
		fmt.Fprintf(&b, "[%s]", e.ActivityID)
	}
	fmt.Fprintf(&b, "[%s] %s: %s", e.Code, e.Component, e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d/%d", e.StatusCode, e.SubStatus)
		if e.Attempts > 0 {
			fmt.Fprintf(&b, ", %d attempts", e.Attempts)
		}
		b.WriteString(")")
	}
	if e.Cause != nil && e.StatusCode == 0 {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *RoutingError) Is(target error) bool {
	if t, ok := target.(*RoutingError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *RoutingError) WithMetadata(key string, value interface{}) *RoutingError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithActivityID tags the error with the activity id of the logical call
func (e *RoutingError) WithActivityID(activityID string) *RoutingError {
	e.ActivityID = activityID
	return e
}

// WithStatus records the remote status and sub-status
func (e *RoutingError) WithStatus(status, subStatus int) *RoutingError {
	e.StatusCode = status
	e.SubStatus = subStatus
	return e
}

// WithAttempts records how many sends were made and which regions served them
func (e *RoutingError) WithAttempts(attempts int, regions []string) *RoutingError {
	e.Attempts = attempts
	e.RegionsTried = append([]string(nil), regions...)
	return e
}

// IsRetryable reports whether the caller might succeed by issuing the
// operation again later.
func (e *RoutingError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransport, ErrCodeRemoteRetryable, ErrCodeRetryExhausted, ErrCodeRequestTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the remote status when one was observed, otherwise
// a status that describes the local failure.
func (e *RoutingError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFailed:
		return http.StatusUnauthorized
	case ErrCodePartitionNotFound:
		return http.StatusNotFound
	case ErrCodeTransport, ErrCodeTopologyRefreshFailed:
		return http.StatusServiceUnavailable
	case ErrCodeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeRequestCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new RoutingError
func NewError(code ErrorCode, component, message string) *RoutingError {
	return &RoutingError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new RoutingError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *RoutingError {
	e := NewError(code, component, message)
	e.Cause = cause
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps an existing error with RoutingError structure
func WrapError(err error, code ErrorCode, component, message string) *RoutingError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// NewTransportError creates an error for a send that produced no status
func NewTransportError(endpoint string, cause error) *RoutingError {
	return NewErrorWithCause(
		ErrCodeTransport,
		"transport",
		fmt.Sprintf("request to %s failed", endpoint),
		cause,
	).WithMetadata("endpoint", endpoint)
}

// NewRemoteError creates an error for a status the service returned
func NewRemoteError(status, subStatus int, retryable bool) *RoutingError {
	code := ErrCodeRemoteNonRetryable
	if retryable {
		code = ErrCodeRemoteRetryable
	}
	return NewError(
		code,
		"pipeline",
		fmt.Sprintf("service returned %d %s", status, http.StatusText(status)),
	).WithStatus(status, subStatus)
}

// NewExhaustedError creates an error for an operation that ran out of retries
func NewExhaustedError(status, subStatus int, reason string) *RoutingError {
	return NewError(
		ErrCodeRetryExhausted,
		"pipeline",
		fmt.Sprintf("retry budget exhausted: %s", reason),
	).WithStatus(status, subStatus)
}

// NewPartitionNotFoundError creates an error for an effective partition key
// that no cached or refreshed range covers
func NewPartitionNotFoundError(collection, epk string) *RoutingError {
	return NewError(
		ErrCodePartitionNotFound,
		"routing",
		fmt.Sprintf("no partition key range of %s contains %q", collection, epk),
	).WithMetadata("collection", collection).WithMetadata("epk", epk)
}

// IsRoutingError checks if an error is a RoutingError
func IsRoutingError(err error) bool {
	var rErr *RoutingError
	return errors.As(err, &rErr)
}

// AsRoutingError returns the first RoutingError in err's chain
func AsRoutingError(err error) (*RoutingError, bool) {
	var rErr *RoutingError
	if errors.As(err, &rErr) {
		return rErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var rErr *RoutingError
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var rErr *RoutingError
	if errors.As(err, &rErr) {
		return rErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var rErr *RoutingError
	if errors.As(err, &rErr) {
		return rErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
