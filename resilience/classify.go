package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Classification buckets a call outcome for the retry policy.
type Classification string

const (
	Retryable    Classification = "RETRYABLE"
	RateLimited  Classification = "RATE_LIMITED"
	NonRetryable Classification = "NON_RETRYABLE"
)

// statusCarrier is implemented by errors that carry an HTTP response, such as
// controlapi.APIError.
type statusCarrier interface {
	HTTPStatus() int
	RetryAfterHint() time.Duration
}

// Classify maps a call error to its classification and, for rate limits, the
// server's Retry-After hint. Connection and timeout errors are retryable; 5xx
// is retryable; 429 is rate limited; any other 4xx is non-retryable. A
// canceled context is non-retryable: the caller already gave up.
func Classify(err error) (Classification, time.Duration) {
	if err == nil {
		return Retryable, 0
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable, 0
	}

	var sc statusCarrier
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == http.StatusTooManyRequests:
			return RateLimited, sc.RetryAfterHint()
		case status >= 500:
			return Retryable, 0
		case status >= 400:
			return NonRetryable, 0
		}
	}

	// Transport failure: connect refused, reset, deadline exceeded.
	return Retryable, 0
}
