package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentiallyWithinBounds(t *testing.T) {
	backoff := Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}

	for attempt := 0; attempt < 5; attempt++ {
		delay := backoff.Delay(attempt, Retryable, 0)
		floor := time.Second << uint(attempt)
		if floor > 30*time.Second {
			floor = 30 * time.Second
		}
		if delay < floor {
			t.Fatalf("attempt %d: delay %s below exponential floor %s", attempt, delay, floor)
		}
		// Jitter is uniform in [0, base).
		if delay >= floor+time.Second {
			t.Fatalf("attempt %d: delay %s exceeds floor %s plus jitter bound", attempt, delay, floor)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	backoff := Backoff{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 10}

	delay := backoff.Delay(9, Retryable, 0)
	if delay >= 5*time.Second {
		t.Fatalf("expected delay capped at max plus jitter, got %s", delay)
	}
}

func TestRateLimitedDelayRespectsRetryAfter(t *testing.T) {
	backoff := Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}

	retryAfter := 90 * time.Second
	delay := backoff.Delay(0, RateLimited, retryAfter)
	if delay < retryAfter {
		t.Fatalf("expected delay >= Retry-After %s, got %s", retryAfter, delay)
	}
}

func TestRateLimitedDelayKeepsPolicyWhenLonger(t *testing.T) {
	backoff := Backoff{BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 5}

	delay := backoff.Delay(2, RateLimited, time.Second)
	if delay < 40*time.Second {
		t.Fatalf("expected policy delay to win over a shorter Retry-After, got %s", delay)
	}
}

func TestRetryExhaustedErrorUnwraps(t *testing.T) {
	inner := &stubStatusError{status: 503}
	err := RetryExhaustedError{DependencyID: "control-api", Attempts: 5, Last: inner}

	var sc *stubStatusError
	if !errors.As(err, &sc) {
		t.Fatalf("expected wrapped status error to surface")
	}
}
