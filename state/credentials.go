package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrActiveCredentialExists signals an attempt to create a second ACTIVE
// credential for the same runner.
var ErrActiveCredentialExists = errors.New("state: runner already has an active credential")

// GetCredential loads a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (RunnerCredential, error) {
	return s.scanCredential(ctx, `
SELECT id, runner_id, value, status, issued_at, expires_at, updated_at
FROM runner_credentials
WHERE id = ?
`, id)
}

// GetActiveCredential loads the single ACTIVE credential for a runner.
func (s *Store) GetActiveCredential(ctx context.Context, runnerID string) (RunnerCredential, error) {
	return s.scanCredential(ctx, `
SELECT id, runner_id, value, status, issued_at, expires_at, updated_at
FROM runner_credentials
WHERE runner_id = ? AND status = 'ACTIVE'
`, runnerID)
}

func (s *Store) scanCredential(ctx context.Context, query string, arg any) (RunnerCredential, error) {
	var cred RunnerCredential
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&cred.ID,
		&cred.RunnerID,
		&cred.Value,
		&cred.Status,
		&cred.IssuedAt,
		&cred.ExpiresAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunnerCredential{}, fmt.Errorf("%w: credential for %v", ErrNotFound, arg)
		}
		return RunnerCredential{}, err
	}
	return cred, nil
}

// InsertCredential stores a new credential record. Inserting a second ACTIVE
// credential for a runner violates the single-ACTIVE invariant and fails.
func (s *Store) InsertCredential(ctx context.Context, cred RunnerCredential) error {
	if cred.ID == "" || cred.RunnerID == "" {
		return errors.New("credential id and runner id required")
	}
	if _, ok := credentialTransitions[cred.Status]; !ok {
		return UnknownStateError{Entity: "credential", State: string(cred.Status)}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if cred.Status == CredentialActive {
			var existing string
			err := tx.QueryRowContext(ctx, `
SELECT id FROM runner_credentials WHERE runner_id = ? AND status = 'ACTIVE'
`, cred.RunnerID).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: runner %s", ErrActiveCredentialExists, cred.RunnerID)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO runner_credentials (id, runner_id, value, status, issued_at, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, cred.ID, cred.RunnerID, cred.Value, cred.Status, cred.IssuedAt.UTC(), cred.ExpiresAt.UTC(), time.Now().UTC())
		return err
	})
}

// PromoteCredential completes a rotation swap in one transaction: the old
// ACTIVE record is discarded and the ROTATING record becomes ACTIVE. Callers
// must hold the runner's partition lock and have already revoked the old
// registration upstream.
func (s *Store) PromoteCredential(ctx context.Context, runnerID, newID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var newStatus CredentialStatus
		if err := tx.QueryRowContext(ctx, `
SELECT status FROM runner_credentials WHERE id = ?
`, newID).Scan(&newStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: credential %s", ErrNotFound, newID)
			}
			return err
		}
		if err := validateCredentialTransition(newID, newStatus, CredentialActive); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
DELETE FROM runner_credentials
WHERE runner_id = ? AND status = 'ACTIVE'
`, runnerID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
UPDATE runner_credentials
SET status = 'ACTIVE', updated_at = ?
WHERE id = ?
`, time.Now().UTC(), newID)
		return err
	})
}

// DeleteCredential discards a credential record, used when rolling back a
// rotation whose verification failed.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runner_credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	return nil
}

// ListDueCredentials returns ACTIVE credentials whose expiry falls within the
// safety margin from now.
func (s *Store) ListDueCredentials(ctx context.Context, now time.Time, safetyMargin time.Duration) ([]RunnerCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, runner_id, value, status, issued_at, expires_at, updated_at
FROM runner_credentials
WHERE status = 'ACTIVE' AND expires_at <= ?
ORDER BY expires_at ASC
`, now.Add(safetyMargin).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []RunnerCredential
	for rows.Next() {
		var cred RunnerCredential
		if err := rows.Scan(
			&cred.ID,
			&cred.RunnerID,
			&cred.Value,
			&cred.Status,
			&cred.IssuedAt,
			&cred.ExpiresAt,
			&cred.UpdatedAt,
		); err != nil {
			return nil, err
		}
		due = append(due, cred)
	}
	return due, rows.Err()
}
