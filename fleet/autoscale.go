package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/fleetctl/internal/observability"
	"github.com/fleetops/fleetctl/state"
)

// GroupPolicy is the per-group scaling configuration.
type GroupPolicy struct {
	GroupID            string
	MinRunners         int
	MaxRunners         int
	ScaleUpThreshold   int
	ScaleDownThreshold float64
	MaxWait            time.Duration
	CooldownUp         time.Duration
	CooldownDown       time.Duration
	SustainWindow      time.Duration
}

// Autoscaler turns queue snapshots into scale decisions. It never mutates the
// pool itself; a decision only changes desired capacity, and removal of
// concrete runners is a downstream concern that must not target BUSY runners.
type Autoscaler struct {
	store   *state.Store
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewAutoscaler(store *state.Store, metrics *observability.Metrics, logger *slog.Logger) *Autoscaler {
	if logger == nil {
		logger = observability.NewLogger("fleet.autoscaler")
	}
	return &Autoscaler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Evaluate produces and records one decision for the group from its two most
// recent snapshots and decision history. Cooldowns are tracked independently
// per direction; NONE is recorded for auditability but never consulted for
// cooldown.
func (a *Autoscaler) Evaluate(ctx context.Context, policy GroupPolicy) (state.ScaleDecision, error) {
	if err := validatePolicy(policy); err != nil {
		return state.ScaleDecision{}, err
	}

	snaps, err := a.store.RecentSnapshots(ctx, policy.GroupID, 2)
	if err != nil {
		return state.ScaleDecision{}, err
	}
	if len(snaps) == 0 {
		return a.record(ctx, policy.GroupID, state.ScaleNone, 0, "no samples yet")
	}

	latest := snaps[0]
	current := latest.IdleRunners + latest.BusyRunners

	// Queue pressure must show in both of the two most recent samples so a
	// single spike between polls cannot trigger growth.
	pressure := latest.QueuedCount
	if len(snaps) == 2 && snaps[1].QueuedCount < pressure {
		pressure = snaps[1].QueuedCount
	}

	wantUp := pressure > policy.ScaleUpThreshold ||
		time.Duration(latest.OldestWaitSeconds)*time.Second > policy.MaxWait

	if wantUp && current < policy.MaxRunners {
		ready, err := a.cooldownElapsed(ctx, policy.GroupID, state.ScaleUp, policy.CooldownUp)
		if err != nil {
			return state.ScaleDecision{}, err
		}
		if !ready {
			return a.record(ctx, policy.GroupID, state.ScaleNone, 0, "scale-up cooldown active")
		}

		// Grow by half the current pool, at least one runner, clamped to max.
		delta := (current + 1) / 2
		if delta < 1 {
			delta = 1
		}
		if current+delta > policy.MaxRunners {
			delta = policy.MaxRunners - current
		}
		reason := fmt.Sprintf("queue depth %d over threshold %d", pressure, policy.ScaleUpThreshold)
		if pressure <= policy.ScaleUpThreshold {
			reason = fmt.Sprintf("oldest job waited %ds over limit %s", latest.OldestWaitSeconds, policy.MaxWait)
		}
		return a.record(ctx, policy.GroupID, state.ScaleUp, delta, reason)
	}

	low, err := a.sustainedLowUtilization(ctx, policy)
	if err != nil {
		return state.ScaleDecision{}, err
	}
	if low && current > policy.MinRunners {
		ready, err := a.cooldownElapsed(ctx, policy.GroupID, state.ScaleDown, policy.CooldownDown)
		if err != nil {
			return state.ScaleDecision{}, err
		}
		if !ready {
			return a.record(ctx, policy.GroupID, state.ScaleNone, 0, "scale-down cooldown active")
		}

		// Retire one runner per decision so the pool drains gradually.
		reason := fmt.Sprintf("utilization below %.2f for %s", policy.ScaleDownThreshold, policy.SustainWindow)
		return a.record(ctx, policy.GroupID, state.ScaleDown, 1, reason)
	}

	return a.record(ctx, policy.GroupID, state.ScaleNone, 0, "no trigger")
}

// sustainedLowUtilization reports whether every snapshot in the trailing
// sustain window shows utilization below the scale-down threshold. A single
// low sample is never enough.
func (a *Autoscaler) sustainedLowUtilization(ctx context.Context, policy GroupPolicy) (bool, error) {
	since := a.now().Add(-policy.SustainWindow)
	snaps, err := a.store.SnapshotsSince(ctx, policy.GroupID, since)
	if err != nil {
		return false, err
	}
	if len(snaps) < 2 {
		return false, nil
	}
	for _, snap := range snaps {
		if snap.Utilization() >= policy.ScaleDownThreshold {
			return false, nil
		}
	}
	return true, nil
}

func (a *Autoscaler) cooldownElapsed(ctx context.Context, groupID string, action state.ScaleAction, cooldown time.Duration) (bool, error) {
	last, err := a.store.LastActionAt(ctx, groupID, action)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return a.now().Sub(last) >= cooldown, nil
}

func (a *Autoscaler) record(ctx context.Context, groupID string, action state.ScaleAction, delta int, reason string) (state.ScaleDecision, error) {
	decision := state.ScaleDecision{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		Action:   action,
		Delta:    delta,
		Reason:   reason,
		IssuedAt: a.now().UTC(),
	}
	if err := a.store.AppendDecision(ctx, decision); err != nil {
		return state.ScaleDecision{}, err
	}
	a.metrics.IncScaleDecision(groupID, string(action))
	if action != state.ScaleNone {
		observability.WithGroup(a.logger, groupID).Info("scale decision",
			"event", "scale_decision",
			"action", string(action),
			"delta", delta,
			"reason", reason)
	}
	return decision, nil
}

func validatePolicy(policy GroupPolicy) error {
	if policy.GroupID == "" {
		return errors.New("group id required")
	}
	if policy.MinRunners < 0 || policy.MaxRunners < policy.MinRunners {
		return fmt.Errorf("group %s: min/max runners invalid", policy.GroupID)
	}
	return nil
}
