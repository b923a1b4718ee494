package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/fleetctl/controlapi"
	"github.com/fleetops/fleetctl/internal/observability"
	"github.com/fleetops/fleetctl/state"
)

// VerificationError reports a rotation whose new credential failed the
// authentication check. The rotation has already been rolled back.
type VerificationError struct {
	RunnerID string
	Err      error
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("token: verification failed for runner %s: %v", e.RunnerID, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// ControlAPI is the slice of the upstream API the manager needs.
type ControlAPI interface {
	RegisterRunner(ctx context.Context, runnerID, groupID string, labels []string) error
	DeregisterRunner(ctx context.Context, runnerID, authorizingCredential string) error
	IssueCredential(ctx context.Context, runnerID string) (controlapi.Credential, error)
	VerifyCredential(ctx context.Context, runnerID, credential string) error
}

// Guard wraps upstream calls in the dependency's circuit breaker and retry
// policy.
type Guard interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Applier pushes a credential into a runner's live configuration. The
// installer tooling owns the actual mechanism; the default applier is a no-op
// for runners whose configuration is re-read on authentication.
type Applier interface {
	Apply(ctx context.Context, runnerID, credential string) error
}

// NoopApplier satisfies Applier for runner setups that pick up credentials
// from the state store on their next authentication.
type NoopApplier struct{}

func (NoopApplier) Apply(ctx context.Context, runnerID, credential string) error { return nil }

// Manager owns per-runner credential validity. Rotations never leave a runner
// unregistered: a replacement credential is issued and verified before the
// old registration is revoked.
type Manager struct {
	store        *state.Store
	api          ControlAPI
	guard        Guard
	applier      Applier
	safetyMargin time.Duration
	lockTimeout  time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewManager(store *state.Store, api ControlAPI, guard Guard, applier Applier, safetyMargin, lockTimeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if applier == nil {
		applier = NoopApplier{}
	}
	if safetyMargin <= 0 {
		safetyMargin = 10 * time.Minute
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("token.manager")
	}
	return &Manager{
		store:        store,
		api:          api,
		guard:        guard,
		applier:      applier,
		safetyMargin: safetyMargin,
		lockTimeout:  lockTimeout,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// Tick rotates every credential due within the safety margin. A verification
// failure is retried once immediately; a second consecutive failure for the
// same runner raises an operator-visible alert. Failures never abort the
// tick for the remaining runners.
func (m *Manager) Tick(ctx context.Context) error {
	due, err := m.store.ListDueCredentials(ctx, m.now(), m.safetyMargin)
	if err != nil {
		return err
	}

	for _, cred := range due {
		logger := observability.WithRunner(m.logger, cred.RunnerID)
		err := m.RotateRunner(ctx, cred.RunnerID)
		if err == nil {
			continue
		}

		var ve VerificationError
		if errors.As(err, &ve) {
			logger.Warn("rotation verification failed, retrying immediately", "event", "rotation_retry", "error", err)
			if retryErr := m.RotateRunner(ctx, cred.RunnerID); retryErr != nil {
				if errors.As(retryErr, &ve) {
					m.metrics.IncAlert("credential_verification")
					logger.Error("two consecutive verification failures", "event", "rotation_alert", "error", retryErr)
				} else {
					logger.Warn("rotation retry failed", "event", "rotation_failed", "error", retryErr)
				}
			}
			continue
		}
		if state.IsLockTimeout(err) {
			logger.Warn("runner lock timed out, skipping until next tick", "event", "rotation_lock_timeout")
			continue
		}
		logger.Warn("rotation failed, active credential untouched", "event", "rotation_failed", "error", err)
	}
	return nil
}

// CheckResult reports a runner's credential position for the CLI.
type CheckResult struct {
	RunnerID  string    `json:"runner_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Due       bool      `json:"due"`
}

// CheckRunner reports whether a runner's ACTIVE credential is due for rotation.
func (m *Manager) CheckRunner(ctx context.Context, runnerID string) (CheckResult, error) {
	cred, err := m.store.GetActiveCredential(ctx, runnerID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		RunnerID:  runnerID,
		Status:    string(cred.Status),
		ExpiresAt: cred.ExpiresAt,
		Due:       !m.now().Add(m.safetyMargin).Before(cred.ExpiresAt),
	}, nil
}

// RotateRunner executes the rotation protocol for one runner, serialized by
// the runner's partition lock so concurrent ticks cannot race the same
// runner:
//
//  1. Issue a replacement credential. Any failure here aborts with the
//     existing ACTIVE credential untouched.
//  2. Record the replacement as ROTATING, apply it to the runner, and verify
//     the runner can authenticate with it. A failure rolls the rotation back.
//  3. Revoke the old registration using the credential that originally
//     authorized it, then promote the replacement to ACTIVE and discard the
//     old record.
func (m *Manager) RotateRunner(ctx context.Context, runnerID string) error {
	lock, err := m.store.AcquireLock(ctx, "runner/"+runnerID, 2*time.Minute, m.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	old, err := m.store.GetActiveCredential(ctx, runnerID)
	if err != nil {
		return err
	}

	var issued controlapi.Credential
	err = m.guard.Do(ctx, "issue credential", func(ctx context.Context) error {
		var issueErr error
		issued, issueErr = m.api.IssueCredential(ctx, runnerID)
		return issueErr
	})
	if err != nil {
		m.metrics.IncRotation("issue_failed")
		return fmt.Errorf("issue replacement for runner %s: %w", runnerID, err)
	}

	replacement := state.RunnerCredential{
		ID:        uuid.NewString(),
		RunnerID:  runnerID,
		Value:     issued.Value,
		Status:    state.CredentialRotating,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	}
	if err := m.store.InsertCredential(ctx, replacement); err != nil {
		return err
	}

	if err := m.verifyReplacement(ctx, runnerID, old, replacement); err != nil {
		return err
	}

	// The upstream API requires the authorizing identity of the registration
	// being removed, not the replacement.
	err = m.guard.Do(ctx, "deregister old registration", func(ctx context.Context) error {
		return m.api.DeregisterRunner(ctx, runnerID, old.Value)
	})
	if err != nil {
		// Verified but unswapped: roll back and retry the whole rotation
		// next tick rather than leave it half-applied.
		m.rollback(ctx, runnerID, old, replacement)
		m.metrics.IncRotation("revoke_failed")
		return fmt.Errorf("revoke old registration for runner %s: %w", runnerID, err)
	}

	if err := m.store.PromoteCredential(ctx, runnerID, replacement.ID); err != nil {
		return err
	}
	m.metrics.IncRotation("success")
	observability.WithRunner(m.logger, runnerID).Info("credential rotated",
		"event", "credential_rotated",
		"expires_at", replacement.ExpiresAt)
	return nil
}

func (m *Manager) verifyReplacement(ctx context.Context, runnerID string, old, replacement state.RunnerCredential) error {
	if err := m.applier.Apply(ctx, runnerID, replacement.Value); err != nil {
		m.rollback(ctx, runnerID, old, replacement)
		m.metrics.IncRotation("verification_failed")
		return VerificationError{RunnerID: runnerID, Err: err}
	}

	err := m.guard.Do(ctx, "verify replacement credential", func(ctx context.Context) error {
		return m.api.VerifyCredential(ctx, runnerID, replacement.Value)
	})
	if err != nil {
		m.rollback(ctx, runnerID, old, replacement)
		m.metrics.IncRotation("verification_failed")
		return VerificationError{RunnerID: runnerID, Err: err}
	}
	return nil
}

// rollback discards the ROTATING credential and restores the old ACTIVE one
// to the runner's configuration. The old credential was never revoked, so the
// runner is still registered.
func (m *Manager) rollback(ctx context.Context, runnerID string, old, replacement state.RunnerCredential) {
	if err := m.store.DeleteCredential(ctx, replacement.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
		observability.WithRunner(m.logger, runnerID).Error("rollback could not discard replacement",
			"event", "rotation_rollback_failed", "error", err)
	}
	if err := m.applier.Apply(ctx, runnerID, old.Value); err != nil {
		observability.WithRunner(m.logger, runnerID).Error("rollback could not restore old credential",
			"event", "rotation_rollback_failed", "error", err)
	}
}

// Register bootstraps a runner: registers it upstream and records its first
// ACTIVE credential.
func (m *Manager) Register(ctx context.Context, runnerID, groupID string, labels []string) error {
	lock, err := m.store.AcquireLock(ctx, "runner/"+runnerID, 2*time.Minute, m.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	var issued controlapi.Credential
	err = m.guard.Do(ctx, "issue initial credential", func(ctx context.Context) error {
		var issueErr error
		issued, issueErr = m.api.IssueCredential(ctx, runnerID)
		return issueErr
	})
	if err != nil {
		return err
	}

	err = m.guard.Do(ctx, "register runner", func(ctx context.Context) error {
		return m.api.RegisterRunner(ctx, runnerID, groupID, labels)
	})
	if err != nil {
		return err
	}

	return m.store.InsertCredential(ctx, state.RunnerCredential{
		ID:        uuid.NewString(),
		RunnerID:  runnerID,
		Value:     issued.Value,
		Status:    state.CredentialActive,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	})
}
