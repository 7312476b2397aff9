// Package reliability provides backoff policies for infrastructure retries.
// The broker itself never retries infrastructure calls; these policies serve
// transport-side plumbing such as AMQP reconnects and publish retries.
package reliability

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy calculates retry delays for transient infrastructure
// failures.
type BackoffPolicy interface {
	// ShouldRetry determines if another attempt should be made and, if so,
	// how long to wait first.
	ShouldRetry(attempt int) (bool, time.Duration)

	// MaxAttempts returns the maximum number of attempts.
	MaxAttempts() int
}

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements BackoffPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}
	return true, e.nextDelay(attempt)
}

// MaxAttempts implements BackoffPolicy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

func (e *ExponentialBackoff) nextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		// ±15% around the computed delay.
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

// LinearBackoff waits a fixed interval between attempts.
type LinearBackoff struct {
	Interval time.Duration
	Attempts int
}

// NewLinearBackoff creates a fixed-interval backoff policy.
func NewLinearBackoff(interval time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{Interval: interval, Attempts: maxAttempts}
}

// ShouldRetry implements BackoffPolicy.
func (l *LinearBackoff) ShouldRetry(attempt int) (bool, time.Duration) {
	if attempt >= l.Attempts {
		return false, 0
	}
	return true, l.Interval
}

// MaxAttempts implements BackoffPolicy.
func (l *LinearBackoff) MaxAttempts() int {
	return l.Attempts
}
