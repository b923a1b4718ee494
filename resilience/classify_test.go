package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *stubStatusError) Error() string { return fmt.Sprintf("status %d", e.status) }

func (e *stubStatusError) HTTPStatus() int { return e.status }

func (e *stubStatusError) RetryAfterHint() time.Duration { return e.retryAfter }

func TestClassifyTransportErrorsRetryable(t *testing.T) {
	class, _ := Classify(errors.New("dial tcp: connection refused"))
	if class != Retryable {
		t.Fatalf("expected retryable for transport error, got %s", class)
	}

	class, _ = Classify(context.DeadlineExceeded)
	if class != Retryable {
		t.Fatalf("expected retryable for timeout, got %s", class)
	}
}

func TestClassifyServerErrorsRetryable(t *testing.T) {
	for _, status := range []int{500, 502, 503} {
		class, _ := Classify(&stubStatusError{status: status})
		if class != Retryable {
			t.Fatalf("expected retryable for %d, got %s", status, class)
		}
	}
}

func TestClassifyClientErrorsNonRetryable(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		class, _ := Classify(&stubStatusError{status: status})
		if class != NonRetryable {
			t.Fatalf("expected non-retryable for %d, got %s", status, class)
		}
	}
}

func TestClassifyRateLimitCarriesRetryAfter(t *testing.T) {
	class, retryAfter := Classify(&stubStatusError{status: 429, retryAfter: 7 * time.Second})
	if class != RateLimited {
		t.Fatalf("expected rate limited, got %s", class)
	}
	if retryAfter != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %s", retryAfter)
	}
}

func TestClassifyCanceledContextNonRetryable(t *testing.T) {
	class, _ := Classify(context.Canceled)
	if class != NonRetryable {
		t.Fatalf("expected non-retryable for canceled context, got %s", class)
	}
}
