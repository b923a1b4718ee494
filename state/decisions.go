package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendDecision records an autoscale decision in the group's append-only history.
func (s *Store) AppendDecision(ctx context.Context, decision ScaleDecision) error {
	if decision.ID == "" || decision.GroupID == "" {
		return errors.New("decision id and group id required")
	}
	if decision.IssuedAt.IsZero() {
		decision.IssuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO scale_decisions (id, group_id, action, delta, reason, issued_at)
VALUES (?, ?, ?, ?, ?, ?)
`, decision.ID, decision.GroupID, decision.Action, decision.Delta, decision.Reason, decision.IssuedAt.UTC())
	return err
}

// LastActionAt returns when the group last took the given action. NONE
// decisions are part of the history but never drive cooldowns, so callers
// query SCALE_UP or SCALE_DOWN only.
func (s *Store) LastActionAt(ctx context.Context, groupID string, action ScaleAction) (time.Time, error) {
	var issuedAt time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT issued_at
FROM scale_decisions
WHERE group_id = ? AND action = ?
ORDER BY issued_at DESC
LIMIT 1
`, groupID, action).Scan(&issuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("%w: no %s decision for group %s", ErrNotFound, action, groupID)
		}
		return time.Time{}, err
	}
	return issuedAt, nil
}

// DecisionHistory returns up to limit decisions for a group, newest first.
func (s *Store) DecisionHistory(ctx context.Context, groupID string, limit int) ([]ScaleDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, group_id, action, delta, reason, issued_at
FROM scale_decisions
WHERE group_id = ?
ORDER BY issued_at DESC
LIMIT ?
`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []ScaleDecision
	for rows.Next() {
		var decision ScaleDecision
		if err := rows.Scan(
			&decision.ID,
			&decision.GroupID,
			&decision.Action,
			&decision.Delta,
			&decision.Reason,
			&decision.IssuedAt,
		); err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, rows.Err()
}
