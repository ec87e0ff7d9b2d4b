package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts     int              `json:"max_attempts"`
	InitialDelay    time.Duration    `json:"initial_delay"`
	MaxDelay        time.Duration    `json:"max_delay"`
	BackoffFactor   float64          `json:"backoff_factor"`
	JitterEnabled   bool             `json:"jitter_enabled"`
	RetryableErrors func(error) bool `json:"-"` // Function to determine if error is retryable

	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, delay time.Duration, err error) `json:"-"`
}

// DefaultRetryConfig returns the defaults used for scoring calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		RetryableErrors: func(err error) bool {
			return IsTransient(err) || errors.IsRetryableError(err)
		},
	}
}

// RetryableFunc represents a function that can be retried. attempt is zero-based.
type RetryableFunc func(attempt int) error

// RetryResult reports how a retried operation ended
type RetryResult struct {
	Attempts int
	Err      error
}

// RetryWithConfig executes fn until it succeeds, fails with a non-retryable error,
// runs out of attempts, or ctx is done. Context errors are returned unwrapped.
func RetryWithConfig(ctx context.Context, config RetryConfig, fn RetryableFunc) RetryResult {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryConfig().RetryableErrors
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult{Attempts: attempts, Err: err}
		}

		attempts++
		err := fn(attempt)
		if err == nil {
			return RetryResult{Attempts: attempts}
		}

		lastErr = err

		if !config.RetryableErrors(err) {
			break
		}

		// Don't delay on the last attempt
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := Backoff(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult{Attempts: attempts, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return RetryResult{Attempts: attempts, Err: lastErr}
}

// Backoff computes the delay after the given zero-based attempt:
// initial_delay * backoff_factor^attempt, capped at max_delay, plus up to 10% jitter
func Backoff(config RetryConfig, attempt int) time.Duration {
	factor := config.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	delay := time.Duration(float64(config.InitialDelay) * math.Pow(factor, float64(attempt)))

	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterEnabled && delay >= 10 {
		delay += time.Duration(rand.Int63n(int64(delay / 10)))
	}

	return delay
}

// IsRetryableHTTPStatus checks if an HTTP status code should trigger a retry
func IsRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500 && statusCode <= 599:
		return true
	default:
		return false
	}
}

// HTTPError represents a non-2xx response from an upstream service
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" && e.Message != e.Status {
		return e.Status + ": " + e.Message
	}
	return e.Status
}

// Transient reports whether the status is worth another attempt
func (e *HTTPError) Transient() bool {
	return IsRetryableHTTPStatus(e.StatusCode)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, status string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Status:     status,
		Message:    status,
	}
}

// TransientError marks a failure that may succeed on another attempt
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports true
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked transient or is a retryable HTTP status
func IsTransient(err error) bool {
	var transient *TransientError
	if stderrors.As(err, &transient) {
		return true
	}
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	return false
}
