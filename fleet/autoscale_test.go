package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/fleetops/fleetctl/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	ctx := context.Background()
	store, err := state.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.ApplyMigrations(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

func testPolicy() GroupPolicy {
	return GroupPolicy{
		GroupID:            "linux-large",
		MinRunners:         2,
		MaxRunners:         5,
		ScaleUpThreshold:   5,
		ScaleDownThreshold: 0.30,
		MaxWait:            10 * time.Minute,
		CooldownUp:         5 * time.Minute,
		CooldownDown:       15 * time.Minute,
		SustainWindow:      10 * time.Minute,
	}
}

func appendSnap(t *testing.T, store *state.Store, at time.Time, queued, idle, busy, oldestWait int) {
	t.Helper()
	err := store.AppendSnapshot(context.Background(), state.QueueSnapshot{
		GroupID:           "linux-large",
		QueuedCount:       queued,
		IdleRunners:       idle,
		BusyRunners:       busy,
		OldestWaitSeconds: oldestWait,
		SampledAt:         at,
	})
	if err != nil {
		t.Fatalf("append snapshot: %v", err)
	}
}

func newTestAutoscaler(store *state.Store, now time.Time) *Autoscaler {
	a := NewAutoscaler(store, nil, nil)
	a.now = func() time.Time { return now }
	return a
}

func TestSustainedPressureScalesUpClampedToMax(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)
	ctx := context.Background()

	// Queue depth 8 against threshold 5 in both samples with 3 runners up.
	appendSnap(t, store, now.Add(-2*time.Minute), 8, 1, 2, 60)
	appendSnap(t, store, now.Add(-time.Minute), 8, 1, 2, 90)

	decision, err := a.Evaluate(ctx, testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleUp {
		t.Fatalf("expected SCALE_UP, got %s (%s)", decision.Action, decision.Reason)
	}
	if decision.Delta != 2 {
		t.Fatalf("expected delta 2 (3 runners to the max of 5), got %d", decision.Delta)
	}
}

func TestSingleSpikeDoesNotScaleUp(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)

	// Pressure shows in only the latest of the two samples.
	appendSnap(t, store, now.Add(-2*time.Minute), 0, 1, 2, 0)
	appendSnap(t, store, now.Add(-time.Minute), 8, 1, 2, 30)

	decision, err := a.Evaluate(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleNone {
		t.Fatalf("expected NONE for a single spike, got %s", decision.Action)
	}
}

func TestScaleUpBlockedByCooldown(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)
	ctx := context.Background()

	appendSnap(t, store, now.Add(-2*time.Minute), 8, 1, 2, 60)
	appendSnap(t, store, now.Add(-time.Minute), 8, 1, 2, 90)

	// A scale-up two minutes ago is inside the five-minute cooldown.
	err := store.AppendDecision(ctx, state.ScaleDecision{
		ID: "d-up", GroupID: "linux-large", Action: state.ScaleUp, Delta: 2,
		IssuedAt: now.Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("append decision: %v", err)
	}

	decision, err := a.Evaluate(ctx, testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleNone {
		t.Fatalf("expected NONE during cooldown, got %s", decision.Action)
	}
	if decision.Reason != "scale-up cooldown active" {
		t.Fatalf("unexpected reason %q", decision.Reason)
	}
}

func TestCooldownsTrackedPerDirection(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)
	ctx := context.Background()

	// Sustained low utilization: 1 busy of 6 across the window.
	appendSnap(t, store, now.Add(-8*time.Minute), 0, 5, 1, 0)
	appendSnap(t, store, now.Add(-4*time.Minute), 0, 5, 1, 0)
	appendSnap(t, store, now.Add(-time.Minute), 0, 5, 1, 0)

	// A recent SCALE_DOWN holds its own cooldown; a recent SCALE_UP must
	// not extend it, and NONE rows never count at all.
	for _, d := range []state.ScaleDecision{
		{ID: "d-down", GroupID: "linux-large", Action: state.ScaleDown, Delta: 1, IssuedAt: now.Add(-16 * time.Minute)},
		{ID: "d-up", GroupID: "linux-large", Action: state.ScaleUp, Delta: 1, IssuedAt: now.Add(-3 * time.Minute)},
		{ID: "d-none", GroupID: "linux-large", Action: state.ScaleNone, IssuedAt: now.Add(-time.Minute)},
	} {
		if err := store.AppendDecision(ctx, d); err != nil {
			t.Fatalf("append %s: %v", d.ID, err)
		}
	}

	decision, err := a.Evaluate(ctx, testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleDown {
		t.Fatalf("expected SCALE_DOWN with its own cooldown elapsed, got %s (%s)", decision.Action, decision.Reason)
	}
	if decision.Delta != 1 {
		t.Fatalf("expected delta 1, got %d", decision.Delta)
	}
}

func TestScaleDownRequiresSustainedWindow(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)

	// Utilization recovered mid-window; one low sample is not sustained.
	appendSnap(t, store, now.Add(-8*time.Minute), 0, 2, 4, 0)
	appendSnap(t, store, now.Add(-time.Minute), 0, 5, 1, 0)

	decision, err := a.Evaluate(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleNone {
		t.Fatalf("expected NONE without sustained low utilization, got %s", decision.Action)
	}
}

func TestScaleDownStopsAtMinimum(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)

	// Two idle runners is already the floor.
	appendSnap(t, store, now.Add(-8*time.Minute), 0, 2, 0, 0)
	appendSnap(t, store, now.Add(-time.Minute), 0, 2, 0, 0)

	decision, err := a.Evaluate(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleNone {
		t.Fatalf("expected NONE at minimum pool size, got %s", decision.Action)
	}
}

func TestLongWaitTriggersScaleUpWithoutQueueDepth(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)

	// Queue depth is under threshold but the oldest job has waited past the
	// limit.
	appendSnap(t, store, now.Add(-2*time.Minute), 2, 0, 3, 500)
	appendSnap(t, store, now.Add(-time.Minute), 2, 0, 3, 700)

	decision, err := a.Evaluate(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleUp {
		t.Fatalf("expected SCALE_UP on wait-time breach, got %s (%s)", decision.Action, decision.Reason)
	}
}

func TestAtMaxNeverScalesUp(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)

	appendSnap(t, store, now.Add(-2*time.Minute), 20, 0, 5, 900)
	appendSnap(t, store, now.Add(-time.Minute), 20, 0, 5, 900)

	decision, err := a.Evaluate(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != state.ScaleNone {
		t.Fatalf("expected NONE at max pool size, got %s (%+v)", decision.Action, decision)
	}
}

func TestEveryEvaluationIsRecorded(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAutoscaler(store, now)
	ctx := context.Background()

	if _, err := a.Evaluate(ctx, testPolicy()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	history, err := store.DecisionHistory(ctx, "linux-large", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Action != state.ScaleNone {
		t.Fatalf("expected one recorded NONE decision, got %+v", history)
	}
	if history[0].Reason != "no samples yet" {
		t.Fatalf("unexpected reason %q", history[0].Reason)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	store := newTestStore(t)
	a := NewAutoscaler(store, nil, nil)

	policy := testPolicy()
	policy.MinRunners = 6
	if _, err := a.Evaluate(context.Background(), policy); err == nil {
		t.Fatal("expected error for min above max")
	}
}
