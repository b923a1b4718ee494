package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertRunnerRecord stores the latest observed view of a runner.
func (s *Store) UpsertRunnerRecord(ctx context.Context, rec RunnerRecord) error {
	if rec.RunnerID == "" || rec.GroupID == "" {
		return errors.New("runner id and group id required")
	}

	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runner_records (runner_id, group_id, labels, state, last_seen_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (runner_id) DO UPDATE SET
    group_id = excluded.group_id,
    labels = excluded.labels,
    state = excluded.state,
    last_seen_at = excluded.last_seen_at
`, rec.RunnerID, rec.GroupID, string(labels), rec.State, rec.LastSeenAt.UTC())
	return err
}

// GetRunnerRecord loads one runner's last observed view.
func (s *Store) GetRunnerRecord(ctx context.Context, runnerID string) (RunnerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT runner_id, group_id, labels, state, last_seen_at
FROM runner_records
WHERE runner_id = ?
`, runnerID)
	rec, err := scanRunnerRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunnerRecord{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return RunnerRecord{}, err
	}
	return rec, nil
}

// ListRunnersByGroup returns the recorded runners of a group.
func (s *Store) ListRunnersByGroup(ctx context.Context, groupID string) ([]RunnerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT runner_id, group_id, labels, state, last_seen_at
FROM runner_records
WHERE group_id = ?
ORDER BY runner_id ASC
`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunnerRecord
	for rows.Next() {
		rec, err := scanRunnerRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunnerRecord(row rowScanner) (RunnerRecord, error) {
	var rec RunnerRecord
	var labels string
	if err := row.Scan(&rec.RunnerID, &rec.GroupID, &labels, &rec.State, &rec.LastSeenAt); err != nil {
		return RunnerRecord{}, err
	}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return RunnerRecord{}, fmt.Errorf("decode labels for %s: %w", rec.RunnerID, err)
		}
	}
	return rec, nil
}
