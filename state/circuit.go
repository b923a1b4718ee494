package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCircuitState loads the durable breaker record for a dependency.
func (s *Store) GetCircuitState(ctx context.Context, dependencyID string) (CircuitState, error) {
	var cs CircuitState
	var openedAt, windowStart sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT dependency_id, status, consecutive_failures, opened_at, window_start, updated_at
FROM circuit_states
WHERE dependency_id = ?
`, dependencyID).Scan(
		&cs.DependencyID,
		&cs.Status,
		&cs.ConsecutiveFailures,
		&openedAt,
		&windowStart,
		&cs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CircuitState{}, fmt.Errorf("%w: circuit %s", ErrNotFound, dependencyID)
		}
		return CircuitState{}, err
	}
	if openedAt.Valid {
		t := openedAt.Time
		cs.OpenedAt = &t
	}
	if windowStart.Valid {
		t := windowStart.Time
		cs.WindowStart = &t
	}
	return cs, nil
}

// PutCircuitState upserts the breaker record, validating the status transition
// against the stored row. Callers must hold the dependency's partition lock.
func (s *Store) PutCircuitState(ctx context.Context, cs CircuitState) error {
	if cs.DependencyID == "" {
		return errors.New("dependency id required")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current CircuitStatus
		err := tx.QueryRowContext(ctx, `
SELECT status FROM circuit_states WHERE dependency_id = ?
`, cs.DependencyID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First sighting of this dependency; any valid status may seed it.
			if _, ok := circuitTransitions[cs.Status]; !ok {
				return UnknownStateError{Entity: "circuit", State: string(cs.Status)}
			}
		case err != nil:
			return err
		default:
			if err := validateCircuitTransition(cs.DependencyID, current, cs.Status); err != nil {
				return err
			}
		}

		var openedAt, windowStart any
		if cs.OpenedAt != nil {
			openedAt = cs.OpenedAt.UTC()
		}
		if cs.WindowStart != nil {
			windowStart = cs.WindowStart.UTC()
		}

		updatedAt := cs.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO circuit_states (dependency_id, status, consecutive_failures, opened_at, window_start, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (dependency_id) DO UPDATE SET
    status = excluded.status,
    consecutive_failures = excluded.consecutive_failures,
    opened_at = excluded.opened_at,
    window_start = excluded.window_start,
    updated_at = excluded.updated_at
`, cs.DependencyID, cs.Status, cs.ConsecutiveFailures, openedAt, windowStart, updatedAt.UTC())
		return err
	})
}
