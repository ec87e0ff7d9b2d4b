package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // Time to wait before a trial call
	SuccessThreshold int           `json:"success_threshold"` // Trial successes needed to close

	// IsFailure decides which errors count against the endpoint. Nil counts every error;
	// rejected errors are recorded like successes.
	IsFailure func(error) bool `json:"-"`

	// OnStateChange is called with the lock released after each transition
	OnStateChange func(from, to CircuitBreakerState) `json:"-"`
}

// CircuitBreaker implements a circuit breaker pattern for external service calls
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	successes   int
	nextAttempt time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker, filling in zero values with defaults
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Call executes fn unless the circuit is open
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	cb.Record(err)
	return err
}

// Allow admits a call, moving an open breaker to half-open once the recovery
// timeout has passed. Callers that admit a call must Record its outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Before(cb.nextAttempt) {
		cb.mu.Unlock()
		return NewCircuitBreakerError("circuit breaker is open", StateOpen)
	}
	from := cb.transition(StateHalfOpen)
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(from, StateHalfOpen)
	return nil
}

// Record counts the outcome of a call. A context error that IsFailure does not
// claim is neither a failure nor a success: the caller gave up, so nothing was
// learned about the endpoint.
func (cb *CircuitBreaker) Record(err error) {
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if isContextError(err) && (cb.config.IsFailure == nil || !failed) {
		return
	}

	cb.mu.Lock()
	from, to := cb.state, cb.state

	if failed {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
			cb.nextAttempt = cb.now().Add(cb.config.RecoveryTimeout)
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
	}

	to = cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to CircuitBreakerState) CircuitBreakerState {
	from := cb.state
	cb.state = to
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Stats returns a snapshot for health reporting
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":    cb.state.String(),
		"failures": cb.failures,
	}
}

// CircuitBreakerError represents an error from the circuit breaker
type CircuitBreakerError struct {
	Message string
	State   CircuitBreakerState
}

func (e *CircuitBreakerError) Error() string {
	return e.Message
}

// NewCircuitBreakerError creates a new circuit breaker error
func NewCircuitBreakerError(message string, state CircuitBreakerState) *CircuitBreakerError {
	return &CircuitBreakerError{
		Message: message,
		State:   state,
	}
}

// IsCircuitOpen reports whether err was produced by an open breaker
func IsCircuitOpen(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr) && cbErr.State == StateOpen
}
