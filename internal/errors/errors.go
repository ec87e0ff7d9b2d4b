package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/gin-gonic/gin"
)

// ErrorCategory defines the type of error for proper handling
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryNetwork       ErrorCategory = "network"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryInternal      ErrorCategory = "internal"
	CategoryExternalAPI   ErrorCategory = "external_api"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryAccess        ErrorCategory = "access"
)

// Kind is the failure taxonomy surfaced to callers
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindSchema             Kind = "SchemaError"
	KindEmptyBatch         Kind = "EmptyBatchError"
	KindScoringUnavailable Kind = "ScoringUnavailable"
	KindScoringBadResponse Kind = "ScoringBadResponse"
	KindLengthMismatch     Kind = "LengthMismatch"
	KindPersistence        Kind = "PersistenceError"
	KindNotFound           Kind = "NotFound"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindRateLimited        Kind = "RateLimited"
	KindCanceled           Kind = "Canceled"
	KindConfiguration      Kind = "ConfigurationError"
	KindInternal           Kind = "InternalError"
)

// AppError wraps an errbuilder error with the failure kind and structured details
type AppError struct {
	*errbuilder.ErrBuilder
	Kind       Kind           `json:"kind"`
	Category   ErrorCategory  `json:"category"`
	HTTPStatus int            `json:"http_status"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if cause := e.ErrBuilder.Unwrap(); cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.ErrBuilder.Msg, cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.ErrBuilder.Msg)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.ErrBuilder.Unwrap()
}

// Message returns the human readable message without the kind prefix
func (e *AppError) Message() string {
	return e.ErrBuilder.Msg
}

// WithDetail attaches a structured detail and returns the same error
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Body is the JSON error envelope returned to API callers
func (e *AppError) Body() gin.H {
	body := gin.H{
		"kind":      e.Kind,
		"code":      fmt.Sprint(e.ErrBuilder.ErrCode()),
		"message":   e.ErrBuilder.Msg,
		"retryable": e.Retryable,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.RequestID != "" {
		body["request_id"] = e.RequestID
	}
	return body
}

// NewAppError creates an AppError from errbuilder with additional context
func NewAppError(builder *errbuilder.ErrBuilder, kind Kind, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		ErrBuilder: builder,
		Kind:       kind,
		Category:   category,
		HTTPStatus: httpStatus,
		Timestamp:  time.Now(),
	}
}

func build(builder *errbuilder.ErrBuilder, message string, cause error, details map[string]any) *errbuilder.ErrBuilder {
	builder = builder.WithMsg(message)

	if cause != nil {
		builder = builder.WithCause(cause)
	}

	if len(details) > 0 {
		errorMap := errbuilder.ErrorMap{}
		for key, value := range details {
			errorMap.Set(key, fmt.Errorf("%v", value))
		}
		builder = builder.WithDetails(errbuilder.NewErrDetails(errorMap))
	}

	return builder
}

func newKindError(kind Kind, category ErrorCategory, coded *errbuilder.ErrBuilder, status int, retryable bool, message string, cause error, details map[string]any) *AppError {
	appErr := NewAppError(build(coded, message, cause, details), kind, category, status)
	appErr.Retryable = retryable
	if len(details) > 0 {
		appErr.Details = details
	}
	return appErr
}

// NewValidationError creates a validation error using errbuilder
func NewValidationError(message string, details ...interface{}) *AppError {
	var detailMap map[string]any
	if len(details) > 0 {
		detailMap = map[string]any{"validation_details": fmt.Sprintf("%v", details[0])}
	}

	return newKindError(KindValidation, CategoryValidation, errbuilder.New().WithCode(errbuilder.CodeInvalidArgument),
		http.StatusBadRequest, false, message, nil, detailMap)
}

// NewSchemaError reports required columns absent from an upload
func NewSchemaError(missing []string) *AppError {
	return newKindError(KindSchema, CategoryValidation, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		http.StatusUnprocessableEntity, false,
		fmt.Sprintf("upload is missing required columns: %s", strings.Join(missing, ", ")),
		nil, map[string]any{"missing_columns": missing})
}

// NewEmptyBatchError reports an upload with no scorable rows
func NewEmptyBatchError(skipped int) *AppError {
	return newKindError(KindEmptyBatch, CategoryValidation, errbuilder.New().WithCode(errbuilder.CodeInvalidArgument),
		http.StatusUnprocessableEntity, false, "upload contains no valid rows",
		nil, map[string]any{"skipped_rows": skipped})
}

// NewScoringUnavailableError reports a chunk that could not be scored after retries
func NewScoringUnavailableError(message string, cause error, details map[string]any) *AppError {
	return newKindError(KindScoringUnavailable, CategoryExternalAPI, errbuilder.New().WithCode(errbuilder.CodeUnavailable),
		http.StatusServiceUnavailable, true, message, cause, details)
}

// NewScoringBadResponseError reports a malformed or rejected exchange with the scoring service
func NewScoringBadResponseError(message string, cause error, details map[string]any) *AppError {
	return newKindError(KindScoringBadResponse, CategoryExternalAPI, errbuilder.New().WithCode(errbuilder.CodeInternal),
		http.StatusBadGateway, false, message, cause, details)
}

// NewLengthMismatchError reports a response whose length differs from its request
func NewLengthMismatchError(expected, got int, details map[string]any) *AppError {
	if details == nil {
		details = make(map[string]any)
	}
	details["expected"] = expected
	details["got"] = got
	return newKindError(KindLengthMismatch, CategoryExternalAPI, errbuilder.New().WithCode(errbuilder.CodeInternal),
		http.StatusBadGateway, false,
		fmt.Sprintf("prediction count mismatch: expected %d, got %d", expected, got), nil, details)
}

// NewPersistenceError reports a failed store write
func NewPersistenceError(message string, cause error) *AppError {
	return newKindError(KindPersistence, CategoryStorage, errbuilder.New().WithCode(errbuilder.CodeInternal),
		http.StatusInternalServerError, true, message, cause, nil)
}

// NewNotFoundError is used both for missing and foreign batches
func NewNotFoundError(resource string) *AppError {
	return newKindError(KindNotFound, CategoryAccess, errbuilder.New().WithCode(errbuilder.CodeNotFound),
		http.StatusNotFound, false, fmt.Sprintf("%s not found", resource), nil, nil)
}

// NewUnauthenticatedError reports a request without a usable owner identity
func NewUnauthenticatedError(message string, cause error) *AppError {
	return newKindError(KindUnauthenticated, CategoryAccess, errbuilder.New().WithCode(errbuilder.CodeUnauthenticated),
		http.StatusUnauthorized, false, message, cause, nil)
}

// NewRateLimitError creates a rate limit error using errbuilder
func NewRateLimitError(retryAfter string) *AppError {
	return newKindError(KindRateLimited, CategoryRateLimit, errbuilder.New().WithCode(errbuilder.CodeResourceExhausted),
		http.StatusTooManyRequests, true, "Rate limit exceeded", nil,
		map[string]any{"retry_after": retryAfter})
}

// NewCanceledError reports a request aborted by its caller before completion
func NewCanceledError(stage string, cause error) *AppError {
	return newKindError(KindCanceled, CategoryTimeout, errbuilder.New().WithCode(errbuilder.CodeCanceled),
		http.StatusRequestTimeout, true, "request cancelled", cause,
		map[string]any{"stage": stage})
}

// NewTimeoutError creates a timeout error using errbuilder
func NewTimeoutError(message string, cause error) *AppError {
	return newKindError(KindCanceled, CategoryTimeout, errbuilder.New().WithCode(errbuilder.CodeDeadlineExceeded),
		http.StatusGatewayTimeout, true, message, cause, nil)
}

// NewInternalError creates an internal server error using errbuilder
func NewInternalError(message string, cause error) *AppError {
	appErr := newKindError(KindInternal, CategoryInternal, errbuilder.New().WithCode(errbuilder.CodeInternal),
		http.StatusInternalServerError, false, "Internal server error", cause,
		map[string]any{"internal_details": message})

	// Capture stack trace in development/debug mode
	if gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode {
		appErr.StackTrace = captureStackTrace()
	}

	return appErr
}

// NewConfigurationError creates a configuration error using errbuilder
func NewConfigurationError(message string, cause error) *AppError {
	return newKindError(KindConfiguration, CategoryConfiguration, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		http.StatusInternalServerError, false, message, cause, nil)
}

// captureStackTrace captures a stack trace for debugging
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// AsAppError finds an AppError in the error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// ErrorHandler is a Gin middleware that provides centralized error handling
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			appErr := ToAppError(c.Errors.Last().Err)
			Respond(c, appErr)
		}
	}
}

// RecoveryHandler provides panic recovery with structured error responses
func RecoveryHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		appErr := NewInternalError(
			fmt.Sprintf("Panic recovered: %v", err),
			fmt.Errorf("%v", err),
		)
		appErr.StackTrace = captureStackTrace()

		Respond(c, appErr)
		c.Abort()
	})
}

// Respond logs the error and writes the JSON envelope
func Respond(c *gin.Context, appErr *AppError) {
	if appErr.RequestID == "" {
		appErr.RequestID = c.GetHeader("X-Request-ID")
	}
	LogError(c, appErr)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Body()})
}

// ToAppError converts any error to an AppError
func ToAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	if ebErr, ok := err.(*errbuilder.ErrBuilder); ok {
		return NewAppError(ebErr, KindInternal, CategoryInternal, http.StatusInternalServerError)
	}

	if errors.Is(err, context.Canceled) {
		return NewCanceledError("unknown", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("Request deadline exceeded", err)
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "network is unreachable") {
		return NewScoringUnavailableError("Network connection failed", err, nil)
	}

	return NewInternalError("An unexpected error occurred", err)
}

// LogError logs an error with appropriate level and context
func LogError(c *gin.Context, err *AppError) {
	logEntry := slog.With(
		"error_kind", err.Kind,
		"error_category", err.Category,
		"error_code", err.ErrBuilder.ErrCode(),
		"http_status", err.HTTPStatus,
		"ip", c.ClientIP(),
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"request_id", err.RequestID,
	)

	if len(err.Details) > 0 {
		logEntry = logEntry.With("details", err.Details)
	}

	errorMsg := err.ErrBuilder.Msg
	cause := err.ErrBuilder.Unwrap()

	switch err.Category {
	case CategoryValidation, CategoryRateLimit, CategoryAccess:
		logEntry.Warn(errorMsg)
	case CategoryNetwork, CategoryTimeout, CategoryExternalAPI:
		if cause != nil {
			logEntry.Warn(errorMsg, "cause", cause)
		} else {
			logEntry.Warn(errorMsg)
		}
	default:
		if cause != nil {
			logEntry.Error(errorMsg, "cause", cause)
		} else {
			logEntry.Error(errorMsg)
		}
	}

	if err.StackTrace != "" && (gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode) {
		logEntry.Debug("stack_trace", "trace", err.StackTrace)
	}
}

// IsRetryableError reports whether the caller may usefully resubmit
func IsRetryableError(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	contextMsg := fmt.Sprintf(message, args...)
	return fmt.Errorf("%s: %w", contextMsg, err)
}

// SafeClose safely closes a resource and logs any errors
func SafeClose(closer interface{ Close() error }, resourceName string) {
	if closer == nil {
		return
	}

	if err := closer.Close(); err != nil {
		slog.Warn("Failed to close resource",
			"resource", resourceName,
			"error", err)
	}
}
