package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncJob inserts a new pending sync job.
func (db *DB) CreateSyncJob(job *SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	job.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_jobs (
		id, user_integration_id, kind, status, result_status,
		created, updated, skipped, errors, started_at, finished_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		job.ID, job.UserIntegrationID, job.Kind, job.Status, job.ResultStatus,
		job.Created, job.Updated, job.Skipped, job.Errors, job.StartedAt, job.FinishedAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

const syncJobColumns = `id, user_integration_id, kind, status, result_status,
	created, updated, skipped, errors, started_at, finished_at, created_at`

// GetSyncJob returns a sync job by ID.
func (db *DB) GetSyncJob(id string) (*SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = ?`
	job, err := scanSyncJob(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// GetSyncJobs returns the most recent jobs for an integration.
func (db *DB) GetSyncJobs(userIntegrationID string, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
		WHERE user_integration_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.conn.Query(query, userIntegrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobRunning transitions a pending job to running. Returns ErrNotFound
// if the job is not pending, which keeps the transition one-way.
func (db *DB) MarkJobRunning(id string) error {
	now := time.Now().UTC()
	query := `UPDATE sync_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`

	result, err := db.conn.Exec(query, JobStatusRunning, now, id, JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return requireAffected(result)
}

// FinishJob moves a job to a terminal status with its counters and errors.
// Jobs already in a terminal state are left untouched.
func (db *DB) FinishJob(job *SyncJob) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job status %q is not terminal", job.Status)
	}
	now := time.Now().UTC()
	job.FinishedAt = &now

	query := `UPDATE sync_jobs SET
		status = ?, result_status = ?, created = ?, updated = ?, skipped = ?,
		errors = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`

	result, err := db.conn.Exec(query,
		job.Status, job.ResultStatus, job.Created, job.Updated, job.Skipped,
		job.Errors, job.FinishedAt,
		job.ID, JobStatusPending, JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync job: %w", err)
	}
	return requireAffected(result)
}

// FailInterruptedJobs marks every job left pending or running by a previous
// process as failed. Called once at startup; the next scheduled sync
// converges state because sync itself is idempotent.
func (db *DB) FailInterruptedJobs(reason string) (int64, error) {
	now := time.Now().UTC()
	query := `UPDATE sync_jobs SET status = ?, result_status = ?, errors = ?, finished_at = ?
		WHERE status IN (?, ?)`

	errorsJSON := fmt.Sprintf(`[{"message":%q}]`, reason)
	result, err := db.conn.Exec(query,
		JobStatusFailed, "error", errorsJSON, now,
		JobStatusPending, JobStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// CleanupOldJobs deletes terminal jobs older than the retention window.
func (db *DB) CleanupOldJobs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `DELETE FROM sync_jobs WHERE status IN (?, ?, ?) AND created_at < ?`

	result, err := db.conn.Exec(query,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

func scanSyncJob(row rowScanner) (*SyncJob, error) {
	job := &SyncJob{}
	var resultStatus, errorsJSON sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.UserIntegrationID, &job.Kind, &job.Status, &resultStatus,
		&job.Created, &job.Updated, &job.Skipped, &errorsJSON, &startedAt, &finishedAt, &job.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}

	job.ResultStatus = resultStatus.String
	job.Errors = errorsJSON.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// CreateSyncConflict records one detected conflict for later resolution.
func (db *DB) CreateSyncConflict(conflict *SyncConflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	conflict.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_conflicts (
		id, job_id, user_integration_id, item_type, local_item_id, external_id,
		conflict_types, score, resolution, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		conflict.ID, conflict.JobID, conflict.UserIntegrationID, conflict.ItemType,
		conflict.LocalItemID, conflict.ExternalID, conflict.ConflictTypes, conflict.Score,
		conflict.Resolution, conflict.CreatedAt, conflict.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync conflict: %w", err)
	}
	return nil
}

const syncConflictColumns = `id, job_id, user_integration_id, item_type, local_item_id, external_id,
	conflict_types, score, resolution, created_at, resolved_at`

// GetSyncConflict returns a conflict by ID.
func (db *DB) GetSyncConflict(id string) (*SyncConflict, error) {
	query := `SELECT ` + syncConflictColumns + ` FROM sync_conflicts WHERE id = ?`
	conflict, err := scanSyncConflict(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conflict, err
}

// GetPendingConflicts returns unresolved conflicts for an integration.
func (db *DB) GetPendingConflicts(userIntegrationID string) ([]*SyncConflict, error) {
	query := `SELECT ` + syncConflictColumns + ` FROM sync_conflicts
		WHERE user_integration_id = ? AND resolved_at IS NULL ORDER BY created_at`
	rows, err := db.conn.Query(query, userIntegrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		conflict, err := scanSyncConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveSyncConflict stamps a conflict with its resolution.
func (db *DB) ResolveSyncConflict(id, resolution string) error {
	now := time.Now().UTC()
	query := `UPDATE sync_conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`

	result, err := db.conn.Exec(query, resolution, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve sync conflict: %w", err)
	}
	return requireAffected(result)
}

func scanSyncConflict(row rowScanner) (*SyncConflict, error) {
	conflict := &SyncConflict{}
	var resolution sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&conflict.ID, &conflict.JobID, &conflict.UserIntegrationID, &conflict.ItemType,
		&conflict.LocalItemID, &conflict.ExternalID, &conflict.ConflictTypes, &conflict.Score,
		&resolution, &conflict.CreatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync conflict: %w", err)
	}

	conflict.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		conflict.ResolvedAt = &t
	}
	return conflict, nil
}
