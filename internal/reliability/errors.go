package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches every CircuitBreakerError
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// ErrDeadLetterNotFound is returned when a dead letter id is unknown
	ErrDeadLetterNotFound = errors.New("dead letter store: entry not found")
)

// CircuitBreakerError represents a rejected call with the breaker's context
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial request already in flight", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// Is makes errors.Is(err, ErrCircuitOpen) true
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// PermanentError marks a failure that redelivery cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that redelivery policies give up immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
