// Package errors provides a structured error system for pixelcache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for pixelcache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Request errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Pipeline errors
	ErrCodeFetchFailed         ErrorCode = "FETCH_FAILED"
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeDecodeFailed        ErrorCode = "DECODE_FAILED"
	ErrCodeEncodeFailed        ErrorCode = "ENCODE_FAILED"

	// Cache tier errors
	ErrCodeTierUnavailable ErrorCode = "TIER_UNAVAILABLE"
	ErrCodeTierIO          ErrorCode = "TIER_IO"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRequest       ErrorCategory = "request"
	CategoryPipeline      ErrorCategory = "pipeline"
	CategoryCache         ErrorCategory = "cache"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// ProxyError represents a structured error with context and metadata.
type ProxyError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is matches another ProxyError by code so that errors.Is(err, errors.NewError(code, "")) works.
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *ProxyError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("ProxyError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(code ErrorCode, message string, cause error) *ProxyError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryRequest
	case strings.HasPrefix(codeStr, "FETCH_") || strings.HasPrefix(codeStr, "UPSTREAM_") ||
		strings.HasPrefix(codeStr, "DECODE_") || strings.HasPrefix(codeStr, "ENCODE_"):
		return CategoryPipeline
	case strings.HasPrefix(codeStr, "TIER_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeOperationTimeout, ErrCodeInternalError:
		return true
	}
	return false
}

// IsUserFacingByDefault determines if an error message may be shown to callers.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeValidationFailed,
		ErrCodeFetchFailed, ErrCodeUpstreamUnavailable, ErrCodeDecodeFailed, ErrCodeEncodeFailed:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeOperationCanceled:
		// nginx's non-standard "client closed request"
		return 499
	case ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds contextual information to an error
func (e *ProxyError) WithContext(key, value string) *ProxyError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *ProxyError) WithDetail(key string, value interface{}) *ProxyError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *ProxyError) WithComponent(component string) *ProxyError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *ProxyError) WithOperation(operation string) *ProxyError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *ProxyError) WithCause(cause error) *ProxyError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable default
func (e *ProxyError) WithRetryable(retryable bool) *ProxyError {
	e.Retryable = retryable
	return e
}

// UserFacingMessage returns a simplified message suitable for HTTP clients.
func (e *ProxyError) UserFacingMessage() string {
	if !e.UserFacing {
		return "Image processing failed"
	}

	switch e.Code {
	case ErrCodeFetchFailed, ErrCodeUpstreamUnavailable:
		return "Failed to fetch image"
	case ErrCodeDecodeFailed:
		return "Source is not a supported image"
	case ErrCodeEncodeFailed:
		return "Image processing failed"
	}
	return e.Message
}

// CodeOf returns the code of the first ProxyError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var pe *ProxyError
	if stderr.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// HasCode reports whether err's chain contains a ProxyError with the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// HTTPStatusOf maps err to the HTTP status that should be returned to the caller.
func HTTPStatusOf(err error) int {
	var pe *ProxyError
	if stderr.As(err, &pe) && pe.HTTPStatus != 0 {
		return pe.HTTPStatus
	}
	return http.StatusInternalServerError
}
