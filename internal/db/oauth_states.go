package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateOAuthState stores a new authorization attempt.
func (db *DB) CreateOAuthState(state *OAuthState) error {
	state.CreatedAt = time.Now().UTC()

	query := `INSERT INTO oauth_states (state, service, user_id, code_verifier, created_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		state.State, state.Service, state.UserID, state.CodeVerifier, state.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState returns and deletes a state record in one transaction.
// A second consumption of the same state fails with ErrNotFound, which is
// what defeats replayed callbacks.
func (db *DB) ConsumeOAuthState(state string, maxAge time.Duration) (*OAuthState, error) {
	var record *OAuthState
	err := db.WithTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			`SELECT state, service, user_id, code_verifier, created_at FROM oauth_states WHERE state = ?`,
			state,
		)
		rec := &OAuthState{}
		var codeVerifier sql.NullString
		if err := row.Scan(&rec.State, &rec.Service, &rec.UserID, &codeVerifier, &rec.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to scan oauth state: %w", err)
		}
		rec.CodeVerifier = codeVerifier.String

		if _, err := tx.Exec(`DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
			return fmt.Errorf("failed to delete oauth state: %w", err)
		}

		if time.Since(rec.CreatedAt) > maxAge {
			return ErrNotFound
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteExpiredOAuthStates clears abandoned authorization attempts.
func (db *DB) DeleteExpiredOAuthStates(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := db.conn.Exec(`DELETE FROM oauth_states WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
