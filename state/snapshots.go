package state

import (
	"context"
	"errors"
	"time"
)

// AppendSnapshot records one immutable queue sample for a group.
func (s *Store) AppendSnapshot(ctx context.Context, snap QueueSnapshot) error {
	if snap.GroupID == "" {
		return errors.New("group id required")
	}
	if snap.SampledAt.IsZero() {
		snap.SampledAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_snapshots (group_id, queued_count, in_progress_count, idle_runners, busy_runners, oldest_wait_seconds, sampled_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, snap.GroupID, snap.QueuedCount, snap.InProgressCount, snap.IdleRunners, snap.BusyRunners, snap.OldestWaitSeconds, snap.SampledAt.UTC())
	return err
}

// RecentSnapshots returns up to n samples for a group, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, groupID string, n int) ([]QueueSnapshot, error) {
	if n <= 0 {
		n = 2
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT group_id, queued_count, in_progress_count, idle_runners, busy_runners, oldest_wait_seconds, sampled_at
FROM queue_snapshots
WHERE group_id = ?
ORDER BY sampled_at DESC, id DESC
LIMIT ?
`, groupID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// SnapshotsSince returns the samples for a group taken at or after the cutoff,
// newest first.
func (s *Store) SnapshotsSince(ctx context.Context, groupID string, since time.Time) ([]QueueSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT group_id, queued_count, in_progress_count, idle_runners, busy_runners, oldest_wait_seconds, sampled_at
FROM queue_snapshots
WHERE group_id = ? AND sampled_at >= ?
ORDER BY sampled_at DESC, id DESC
`, groupID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]QueueSnapshot, error) {
	var snaps []QueueSnapshot
	for rows.Next() {
		var snap QueueSnapshot
		if err := rows.Scan(
			&snap.GroupID,
			&snap.QueuedCount,
			&snap.InProgressCount,
			&snap.IdleRunners,
			&snap.BusyRunners,
			&snap.OldestWaitSeconds,
			&snap.SampledAt,
		); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
