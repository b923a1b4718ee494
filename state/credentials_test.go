package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testCredential(id, runnerID string, status CredentialStatus, expiresIn time.Duration) RunnerCredential {
	now := time.Now().UTC()
	return RunnerCredential{
		ID:        id,
		RunnerID:  runnerID,
		Value:     "tok-" + id,
		Status:    status,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiresIn),
	}
}

func TestSingleActiveCredentialInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertCredential(ctx, testCredential("c-1", "r-1", CredentialActive, time.Hour)); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	err := store.InsertCredential(ctx, testCredential("c-2", "r-1", CredentialActive, time.Hour))
	if !errors.Is(err, ErrActiveCredentialExists) {
		t.Fatalf("expected ErrActiveCredentialExists, got %v", err)
	}

	// A ROTATING record for the same runner is allowed alongside the ACTIVE
	// one; that is the mid-rotation shape.
	if err := store.InsertCredential(ctx, testCredential("c-3", "r-1", CredentialRotating, time.Hour)); err != nil {
		t.Fatalf("insert rotating: %v", err)
	}
}

func TestPromoteCredentialSwapsInOneStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertCredential(ctx, testCredential("old", "r-1", CredentialActive, time.Hour)); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := store.InsertCredential(ctx, testCredential("new", "r-1", CredentialRotating, 2*time.Hour)); err != nil {
		t.Fatalf("insert new: %v", err)
	}

	if err := store.PromoteCredential(ctx, "r-1", "new"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	active, err := store.GetActiveCredential(ctx, "r-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "new" {
		t.Fatalf("expected new credential active, got %s", active.ID)
	}
	if _, err := store.GetCredential(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old credential gone, got %v", err)
	}
}

func TestPromoteRejectsNonRotatingCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertCredential(ctx, testCredential("c-1", "r-1", CredentialActive, time.Hour)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.PromoteCredential(ctx, "r-1", "c-1")
	if !IsTransitionError(err) {
		t.Fatalf("expected transition error promoting ACTIVE record, got %v", err)
	}
}

func TestListDueCredentials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.InsertCredential(ctx, testCredential("due", "r-1", CredentialActive, 5*time.Minute)); err != nil {
		t.Fatalf("insert due: %v", err)
	}
	if err := store.InsertCredential(ctx, testCredential("fresh", "r-2", CredentialActive, 24*time.Hour)); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}
	if err := store.InsertCredential(ctx, testCredential("rotating", "r-3", CredentialRotating, time.Minute)); err != nil {
		t.Fatalf("insert rotating: %v", err)
	}

	due, err := store.ListDueCredentials(ctx, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only the expiring ACTIVE credential, got %+v", due)
	}
}

func TestDeleteCredentialNotFound(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteCredential(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
