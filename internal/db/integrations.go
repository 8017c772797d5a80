package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUserIntegration creates a new user integration.
func (db *DB) CreateUserIntegration(ui *UserIntegration) error {
	if ui.ID == "" {
		ui.ID = uuid.New().String()
	}
	ui.CreatedAt = time.Now().UTC()
	ui.UpdatedAt = ui.CreatedAt
	if ui.SyncStatus == "" {
		ui.SyncStatus = SyncStatusIdle
	}
	if ui.SyncDirection == "" {
		ui.SyncDirection = SyncDirectionTwoWay
	}
	if ui.ConflictResolution == "" {
		ui.ConflictResolution = ResolutionManual
	}
	if ui.SyncInterval <= 0 {
		ui.SyncInterval = 900
	}

	query := `INSERT INTO user_integrations (
		id, user_id, service, access_token, refresh_token, token_expires_at,
		username, endpoint, sync_direction, conflict_resolution, field_mappings,
		sync_interval, enabled, sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		ui.ID, ui.UserID, ui.Service, ui.AccessToken, ui.RefreshToken, ui.TokenExpiresAt,
		ui.Username, ui.Endpoint, ui.SyncDirection, ui.ConflictResolution, ui.FieldMappings,
		ui.SyncInterval, ui.Enabled, ui.SyncStatus, ui.CreatedAt, ui.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user integration: %w", err)
	}
	return nil
}

const userIntegrationColumns = `id, user_id, service, access_token, refresh_token, token_expires_at,
	username, endpoint, sync_direction, conflict_resolution, field_mappings,
	sync_interval, enabled, last_sync_at, sync_status, created_at, updated_at`

// GetUserIntegrationByID returns a user integration by its ID.
func (db *DB) GetUserIntegrationByID(id string) (*UserIntegration, error) {
	query := `SELECT ` + userIntegrationColumns + ` FROM user_integrations WHERE id = ?`
	return scanUserIntegration(db.conn.QueryRow(query, id))
}

// GetUserIntegration returns a user's integration for a specific service.
func (db *DB) GetUserIntegration(userID, service string) (*UserIntegration, error) {
	query := `SELECT ` + userIntegrationColumns + ` FROM user_integrations WHERE user_id = ? AND service = ?`
	return scanUserIntegration(db.conn.QueryRow(query, userID, service))
}

// GetUserIntegrations returns all integrations for a user.
func (db *DB) GetUserIntegrations(userID string) ([]*UserIntegration, error) {
	query := `SELECT ` + userIntegrationColumns + ` FROM user_integrations WHERE user_id = ? ORDER BY service`
	return db.queryUserIntegrations(query, userID)
}

// GetEnabledIntegrations returns all enabled integrations.
func (db *DB) GetEnabledIntegrations() ([]*UserIntegration, error) {
	query := `SELECT ` + userIntegrationColumns + ` FROM user_integrations WHERE enabled = 1`
	return db.queryUserIntegrations(query)
}

func (db *DB) queryUserIntegrations(query string, args ...interface{}) ([]*UserIntegration, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*UserIntegration
	for rows.Next() {
		ui, err := scanUserIntegrationRows(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, ui)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user integrations: %w", err)
	}
	return integrations, nil
}

// UpdateUserIntegration updates an existing user integration.
func (db *DB) UpdateUserIntegration(ui *UserIntegration) error {
	ui.UpdatedAt = time.Now().UTC()

	query := `UPDATE user_integrations SET
		access_token = ?, refresh_token = ?, token_expires_at = ?,
		username = ?, endpoint = ?, sync_direction = ?, conflict_resolution = ?,
		field_mappings = ?, sync_interval = ?, enabled = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		ui.AccessToken, ui.RefreshToken, ui.TokenExpiresAt,
		ui.Username, ui.Endpoint, ui.SyncDirection, ui.ConflictResolution,
		ui.FieldMappings, ui.SyncInterval, ui.Enabled, ui.UpdatedAt, ui.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user integration: %w", err)
	}
	return requireAffected(result)
}

// UpdateIntegrationTokens stores refreshed credentials.
func (db *DB) UpdateIntegrationTokens(id, accessToken, refreshToken string, expiresAt *time.Time) error {
	now := time.Now().UTC()
	query := `UPDATE user_integrations SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, accessToken, refreshToken, expiresAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update integration tokens: %w", err)
	}
	return requireAffected(result)
}

// UpdateIntegrationSyncStatus updates the sync status of an integration.
func (db *DB) UpdateIntegrationSyncStatus(id string, status SyncStatus) error {
	now := time.Now().UTC()
	// last_sync_at only advances on success so incremental syncs never
	// skip the window a failed run left uncovered.
	query := `UPDATE user_integrations SET sync_status = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{status, now, id}
	if status == SyncStatusSuccess {
		query = `UPDATE user_integrations SET sync_status = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{status, now, now, id}
	}

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update integration sync status: %w", err)
	}
	return requireAffected(result)
}

// DeleteUserIntegration deletes an integration and, through foreign keys,
// its mappings, jobs, and webhook registrations.
func (db *DB) DeleteUserIntegration(id string) error {
	result, err := db.conn.Exec(`DELETE FROM user_integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user integration: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserIntegration(row *sql.Row) (*UserIntegration, error) {
	ui, err := scanUserIntegrationRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ui, err
}

func scanUserIntegrationRows(row rowScanner) (*UserIntegration, error) {
	ui := &UserIntegration{}
	var refreshToken, username, endpoint, fieldMappings sql.NullString
	var tokenExpiresAt, lastSyncAt sql.NullTime

	err := row.Scan(
		&ui.ID, &ui.UserID, &ui.Service, &ui.AccessToken, &refreshToken, &tokenExpiresAt,
		&username, &endpoint, &ui.SyncDirection, &ui.ConflictResolution, &fieldMappings,
		&ui.SyncInterval, &ui.Enabled, &lastSyncAt, &ui.SyncStatus, &ui.CreatedAt, &ui.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user integration: %w", err)
	}

	ui.RefreshToken = refreshToken.String
	ui.Username = username.String
	ui.Endpoint = endpoint.String
	ui.FieldMappings = fieldMappings.String
	if tokenExpiresAt.Valid {
		t := tokenExpiresAt.Time
		ui.TokenExpiresAt = &t
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		ui.LastSyncAt = &t
	}
	return ui, nil
}
