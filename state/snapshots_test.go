package state

import (
	"context"
	"testing"
	"time"
)

func TestRecentSnapshotsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		snap := QueueSnapshot{
			GroupID:     "linux-large",
			QueuedCount: i,
			SampledAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	snaps, err := store.RecentSnapshots(ctx, "linux-large", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].QueuedCount != 2 || snaps[1].QueuedCount != 1 {
		t.Fatalf("expected newest first, got %+v", snaps)
	}
}

func TestSnapshotsSinceCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		snap := QueueSnapshot{
			GroupID:   "linux-large",
			SampledAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	snaps, err := store.SnapshotsSince(ctx, "linux-large", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots at or after cutoff, got %d", len(snaps))
	}
}

func TestUtilization(t *testing.T) {
	if u := (QueueSnapshot{BusyRunners: 3, IdleRunners: 1}).Utilization(); u != 0.75 {
		t.Fatalf("expected 0.75, got %v", u)
	}
	if u := (QueueSnapshot{}).Utilization(); u != 0 {
		t.Fatalf("expected 0 for empty group, got %v", u)
	}
}

func TestLastActionAtIgnoresOtherActions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.LastActionAt(ctx, "linux-large", ScaleUp); err == nil {
		t.Fatal("expected ErrNotFound for empty history")
	}

	decisions := []ScaleDecision{
		{ID: "d-1", GroupID: "linux-large", Action: ScaleUp, Delta: 2, IssuedAt: base},
		{ID: "d-2", GroupID: "linux-large", Action: ScaleNone, IssuedAt: base.Add(time.Minute)},
		{ID: "d-3", GroupID: "linux-large", Action: ScaleDown, Delta: 1, IssuedAt: base.Add(2 * time.Minute)},
	}
	for _, d := range decisions {
		if err := store.AppendDecision(ctx, d); err != nil {
			t.Fatalf("append %s: %v", d.ID, err)
		}
	}

	up, err := store.LastActionAt(ctx, "linux-large", ScaleUp)
	if err != nil {
		t.Fatalf("last scale-up: %v", err)
	}
	if !up.Equal(base) {
		t.Fatalf("expected last scale-up at %s, got %s", base, up)
	}

	history, err := store.DecisionHistory(ctx, "linux-large", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].ID != "d-3" {
		t.Fatalf("expected full history newest first, got %+v", history)
	}
}
