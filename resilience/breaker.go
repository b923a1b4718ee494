package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetops/fleetctl/internal/observability"
	"github.com/fleetops/fleetctl/state"
)

// CircuitOpenError rejects a call without a network attempt while the
// dependency's circuit is open.
type CircuitOpenError struct {
	DependencyID string
	RetryAt      time.Time
}

func (e CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("resilience: circuit for %s is open", e.DependencyID)
	}
	return fmt.Sprintf("resilience: circuit for %s is open until %s", e.DependencyID, e.RetryAt.Format(time.RFC3339))
}

func IsCircuitOpen(err error) bool {
	var co CircuitOpenError
	return errors.As(err, &co)
}

// Settings configures one dependency's breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
	LockTimeout      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      30 * time.Second,
		LockTimeout:      5 * time.Second,
	}
}

// Breaker guards every call through one unreliable dependency. Its state is a
// durable, lock-guarded record, so independent process invocations observe
// the same circuit.
type Breaker struct {
	store    *state.Store
	dep      string
	settings Settings
	backoff  Backoff
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewBreaker(store *state.Store, dependencyID string, settings Settings, backoff Backoff, metrics *observability.Metrics, logger *slog.Logger) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 60 * time.Second
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	if settings.LockTimeout <= 0 {
		settings.LockTimeout = 5 * time.Second
	}
	if backoff.MaxAttempts <= 0 {
		backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = observability.NewLogger("resilience.breaker")
	}
	return &Breaker{
		store:    store,
		dep:      dependencyID,
		settings: settings,
		backoff:  backoff,
		metrics:  metrics,
		logger:   observability.WithDependency(logger, dependencyID),
		now:      time.Now,
	}
}

// Do runs fn through the breaker with retry and backoff. fn is invoked once
// per admitted attempt with a per-call timeout applied. A non-retryable
// outcome returns immediately regardless of the remaining attempt budget.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < b.backoff.MaxAttempts; attempt++ {
		if err := b.admit(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
		callErr := fn(callCtx)
		cancel()

		if callErr == nil {
			b.metrics.IncUpstreamCall(b.dep, "success")
			if err := b.recordSuccess(ctx); err != nil {
				b.logger.Warn("breaker bookkeeping failed", "event", "breaker_record_failed", "error", err)
			}
			return nil
		}

		class, retryAfter := Classify(callErr)
		b.metrics.IncUpstreamCall(b.dep, string(class))
		lastErr = callErr

		// Only transport and 5xx failures indicate an unhealthy dependency;
		// a 4xx or 429 response proves it is alive and must not trip the
		// circuit.
		if class == Retryable {
			if err := b.recordFailure(ctx); err != nil {
				b.logger.Warn("breaker bookkeeping failed", "event", "breaker_record_failed", "error", err)
			}
		}

		if class == NonRetryable {
			return fmt.Errorf("%s: %w", op, callErr)
		}
		if attempt == b.backoff.MaxAttempts-1 {
			break
		}

		delay := b.backoff.Delay(attempt, class, retryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return RetryExhaustedError{DependencyID: b.dep, Attempts: b.backoff.MaxAttempts, Last: lastErr}
}

// Status returns the current durable circuit record, defaulting to CLOSED for
// a dependency that has never been called.
func (b *Breaker) Status(ctx context.Context) (state.CircuitState, error) {
	cs, err := b.store.GetCircuitState(ctx, b.dep)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.CircuitState{DependencyID: b.dep, Status: state.CircuitClosed}, nil
		}
		return state.CircuitState{}, err
	}
	return cs, nil
}

// admit decides whether a call may proceed. The decision is a read-modify-
// write on the circuit record under the dependency's partition lock; probe
// admission in HALF_OPEN is therefore serialized and only one probe can be
// let through. A lock timeout fails the call as if the circuit were open
// (fail safe, not fail open).
func (b *Breaker) admit(ctx context.Context) error {
	lock, err := b.store.AcquireLock(ctx, b.lockKey(), b.settings.ResetTimeout, b.settings.LockTimeout)
	if err != nil {
		if state.IsLockTimeout(err) {
			b.logger.Warn("breaker lock timed out, treating circuit as open", "event", "breaker_lock_timeout")
			return err
		}
		return err
	}
	defer lock.Release(ctx)

	cs, err := b.Status(ctx)
	if err != nil {
		return err
	}

	now := b.now().UTC()
	switch cs.Status {
	case state.CircuitClosed:
		return nil

	case state.CircuitOpen:
		retryAt := now
		if cs.OpenedAt != nil {
			retryAt = cs.OpenedAt.Add(b.settings.ResetTimeout)
		}
		if now.Before(retryAt) {
			return CircuitOpenError{DependencyID: b.dep, RetryAt: retryAt}
		}
		// Reset timeout elapsed: this caller becomes the single probe.
		cs.Status = state.CircuitHalfOpen
		cs.UpdatedAt = now
		if err := b.store.PutCircuitState(ctx, cs); err != nil {
			return err
		}
		b.metrics.IncBreakerTransition(b.dep, string(state.CircuitHalfOpen))
		b.logger.Info("admitting probe call", "event", "breaker_half_open")
		return nil

	case state.CircuitHalfOpen:
		// A probe is already in flight. If it died without reporting, the
		// record would stay HALF_OPEN forever; after another reset timeout
		// one replacement probe is admitted.
		if now.Sub(cs.UpdatedAt) >= b.settings.ResetTimeout {
			cs.Status = state.CircuitHalfOpen
			cs.UpdatedAt = now
			if err := b.store.PutCircuitState(ctx, cs); err != nil {
				return err
			}
			b.logger.Warn("probe never reported, admitting replacement probe", "event", "breaker_probe_stuck")
			return nil
		}
		return CircuitOpenError{DependencyID: b.dep, RetryAt: cs.UpdatedAt.Add(b.settings.ResetTimeout)}

	default:
		return state.UnknownStateError{Entity: "circuit", State: string(cs.Status)}
	}
}

func (b *Breaker) recordSuccess(ctx context.Context) error {
	lock, err := b.store.AcquireLock(ctx, b.lockKey(), b.settings.ResetTimeout, b.settings.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	cs, err := b.Status(ctx)
	if err != nil {
		return err
	}

	if cs.Status == state.CircuitHalfOpen {
		b.metrics.IncBreakerTransition(b.dep, string(state.CircuitClosed))
		b.logger.Info("probe succeeded, circuit closed", "event", "breaker_closed")
	}
	cs.Status = state.CircuitClosed
	cs.ConsecutiveFailures = 0
	cs.OpenedAt = nil
	cs.WindowStart = nil
	cs.UpdatedAt = b.now().UTC()
	return b.store.PutCircuitState(ctx, cs)
}

func (b *Breaker) recordFailure(ctx context.Context) error {
	lock, err := b.store.AcquireLock(ctx, b.lockKey(), b.settings.ResetTimeout, b.settings.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	cs, err := b.Status(ctx)
	if err != nil {
		return err
	}

	now := b.now().UTC()
	switch cs.Status {
	case state.CircuitHalfOpen:
		// Failed probe re-opens with a fresh window.
		cs.Status = state.CircuitOpen
		cs.OpenedAt = &now
		cs.WindowStart = nil
		cs.ConsecutiveFailures = 0
		b.metrics.IncBreakerTransition(b.dep, string(state.CircuitOpen))
		b.logger.Warn("probe failed, circuit re-opened", "event", "breaker_reopened")

	case state.CircuitClosed:
		// Failures count within a sliding window the length of the reset
		// timeout; older failures age out.
		if cs.WindowStart == nil || now.Sub(*cs.WindowStart) > b.settings.ResetTimeout {
			cs.WindowStart = &now
			cs.ConsecutiveFailures = 1
		} else {
			cs.ConsecutiveFailures++
		}
		if cs.ConsecutiveFailures >= b.settings.FailureThreshold {
			cs.Status = state.CircuitOpen
			cs.OpenedAt = &now
			b.metrics.IncBreakerTransition(b.dep, string(state.CircuitOpen))
			b.logger.Warn("failure threshold reached, circuit opened",
				"event", "breaker_opened",
				"consecutive_failures", cs.ConsecutiveFailures)
		}

	case state.CircuitOpen:
		// Rejected callers never reach here; nothing to record.
		return nil
	}

	cs.UpdatedAt = now
	return b.store.PutCircuitState(ctx, cs)
}

func (b *Breaker) lockKey() string {
	return "circuit/" + b.dep
}
