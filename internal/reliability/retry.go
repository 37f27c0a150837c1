package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RedeliveryPolicy decides whether a failed delivery is handed back to the broker and
// how long the broker should hold it first. Attempts are 1-based.
type RedeliveryPolicy interface {
	// ShouldRedeliver determines if another attempt should be made
	ShouldRedeliver(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of delivery attempts
	MaxAttempts() int
	// Delay calculates the hold time before the next attempt
	Delay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff redelivery. Attempts <= 0 never
// gives up.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// DefaultRedeliveryPolicy is used by the messaging client unless overridden
func DefaultRedeliveryPolicy(maxAttempts int) *ExponentialBackoff {
	return NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, maxAttempts)
}

// ShouldRedeliver implements RedeliveryPolicy
func (e *ExponentialBackoff) ShouldRedeliver(attempt int, err error) (bool, time.Duration) {
	if (e.Attempts > 0 && attempt >= e.Attempts) || IsPermanent(err) {
		return false, 0
	}
	return true, e.Delay(attempt)
}

// MaxAttempts implements RedeliveryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// Delay implements RedeliveryPolicy
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay redelivers after a constant hold time. Attempts <= 0 never gives up.
type FixedDelay struct {
	Hold     time.Duration
	Attempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Hold:     delay,
		Attempts: maxAttempts,
	}
}

// ShouldRedeliver implements RedeliveryPolicy
func (f *FixedDelay) ShouldRedeliver(attempt int, err error) (bool, time.Duration) {
	if (f.Attempts > 0 && attempt >= f.Attempts) || IsPermanent(err) {
		return false, 0
	}
	return true, f.Hold
}

// MaxAttempts implements RedeliveryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Delay implements RedeliveryPolicy
func (f *FixedDelay) Delay(int) time.Duration {
	return f.Hold
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done. The AMQP
// connection manager redials through it.
func Retry(ctx context.Context, policy RedeliveryPolicy, fn func() error) error {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRedeliver(attempt, err)
		if !again {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
