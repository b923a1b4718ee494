package resilience

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next retry attempt.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff mirrors the recommended per-dependency defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns min(max_delay, base*2^attempt) plus uniform jitter in
// [0, base). A rate-limited outcome never waits less than the server's
// Retry-After hint.
func (b Backoff) Delay(attempt int, class Classification, retryAfter time.Duration) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(base)))

	if class == RateLimited && retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// RetryExhaustedError is the terminal failure after max attempts; it is
// reported to the caller, never silently swallowed.
type RetryExhaustedError struct {
	DependencyID string
	Attempts     int
	Last         error
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf("resilience: %s failed after %d attempts: %v", e.DependencyID, e.Attempts, e.Last)
}

func (e RetryExhaustedError) Unwrap() error {
	return e.Last
}
