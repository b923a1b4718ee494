package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LockTimeoutError reports a partition lock that could not be acquired before
// the absolute deadline. Callers skip the current tick and retry on schedule.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e LockTimeoutError) Error() string {
	return fmt.Sprintf("state: lock %q not acquired within %s", e.Key, e.Timeout)
}

func IsLockTimeout(err error) bool {
	var lt LockTimeoutError
	return errors.As(err, &lt)
}

// Lock is a held partition lease. It expires on its own if the holder dies,
// so a crashed process can never wedge the store.
type Lock struct {
	store *Store
	Key   string
	owner string
}

const lockPollInterval = 25 * time.Millisecond

// AcquireLock takes the lease for a FleetState partition key. The wait is
// bounded by an absolute deadline computed once at entry; it is not an
// iteration count multiplied by the poll sleep, so changing the poll
// granularity cannot silently change the effective timeout.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl, timeout time.Duration) (*Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	owner := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := s.tryAcquireLock(ctx, key, owner, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lock{store: s, Key: key, owner: owner}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, LockTimeoutError{Key: key, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *Store) tryAcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Reap an expired lease before attempting the insert so a dead
		// holder's row cannot block the partition forever.
		if _, err := tx.ExecContext(ctx, `
DELETE FROM partition_locks
WHERE key = ? AND expires_at <= ?
`, key, now); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
INSERT INTO partition_locks (key, owner, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO NOTHING
`, key, owner, now, now.Add(ttl))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		acquired = rows == 1
		return nil
	})
	return acquired, err
}

// Release drops the lease. Only the owner that acquired it may release it; a
// lease stolen after expiry is left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.store.db.ExecContext(ctx, `
DELETE FROM partition_locks
WHERE key = ? AND owner = ?
`, l.Key, l.owner)
	return err
}
