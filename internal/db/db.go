package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Connection pool limits to prevent file descriptor exhaustion
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Encrypted tokens live in this file; keep it private to the service user.
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// User integrations: one row per (user, external service) link
		`CREATE TABLE IF NOT EXISTS user_integrations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_expires_at DATETIME,
			username TEXT,
			endpoint TEXT,
			sync_direction TEXT NOT NULL DEFAULT 'two_way',
			conflict_resolution TEXT NOT NULL DEFAULT 'manual',
			field_mappings TEXT,
			sync_interval INTEGER NOT NULL DEFAULT 900,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_sync_at DATETIME,
			sync_status TEXT NOT NULL DEFAULT 'idle',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, service)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_integrations_user_id ON user_integrations(user_id)`,

		// Canonical tasks
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			start_date DATETIME,
			due_date DATETIME,
			tags TEXT,
			recurrence TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id)`,

		// Canonical events
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			location TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			recurrence TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_user_id ON events(user_id)`,

		// External item mappings: identity correlation between an external
		// record and its local counterpart
		`CREATE TABLE IF NOT EXISTS external_items (
			id TEXT PRIMARY KEY,
			user_integration_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			external_service TEXT NOT NULL,
			item_type TEXT NOT NULL,
			internal_item_id TEXT NOT NULL,
			external_modified_at DATETIME,
			last_sync_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_integration_id, external_id),
			FOREIGN KEY (user_integration_id) REFERENCES user_integrations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_external_items_integration ON external_items(user_integration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_external_items_internal ON external_items(internal_item_id)`,

		// Sync jobs are durable so identifiers survive restarts
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id TEXT PRIMARY KEY,
			user_integration_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			result_status TEXT,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			errors TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_integration_id) REFERENCES user_integrations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_integration ON sync_jobs(user_integration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status)`,

		// Conflicts pending resolution
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			user_integration_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			local_item_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			conflict_types TEXT NOT NULL,
			score REAL NOT NULL,
			resolution TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			FOREIGN KEY (job_id) REFERENCES sync_jobs(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_job ON sync_conflicts(job_id)`,

		// Short-lived OAuth CSRF/session records
		`CREATE TABLE IF NOT EXISTS oauth_states (
			state TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			user_id TEXT NOT NULL,
			code_verifier TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Webhook registrations (durable; survive restarts)
		`CREATE TABLE IF NOT EXISTS webhook_registrations (
			id TEXT PRIMARY KEY,
			user_integration_id TEXT NOT NULL,
			service TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT,
			subscribed_events TEXT NOT NULL DEFAULT '["*"]',
			external_webhook_id TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			failure_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_integration_id) REFERENCES user_integrations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_webhook_registrations_service ON webhook_registrations(service)`,

		// Outbound webhook delivery queue
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			registration_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (registration_id) REFERENCES webhook_registrations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_attempt_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
