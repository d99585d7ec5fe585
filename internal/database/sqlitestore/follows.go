package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quietfeed/internal/database"
)

// ReplaceFollows swaps the entire follow set in a single transaction.
// There is no incremental diff: readers see either the old set or the
// new one, never a partial mix.
func (s *Store) ReplaceFollows(ctx context.Context, accounts []database.FollowedAccount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin follow replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM follows`); err != nil {
		return fmt.Errorf("clear follows: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO follows (did, handle, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare follow insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range accounts {
		if _, err := stmt.ExecContext(ctx, a.DID, a.Handle, now); err != nil {
			return fmt.Errorf("insert follow %s: %w", a.DID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit follow replace: %w", err)
	}
	return nil
}

func (s *Store) FollowedDIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT did FROM follows`)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// ========== Service state ==========

func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM service_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
