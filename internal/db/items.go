package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a canonical task row.
func (db *DB) CreateTask(task *Task) error {
	return createTask(db.conn, task)
}

func createTask(q queryer, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt

	query := `INSERT INTO tasks (
		id, user_id, title, description, status, priority,
		start_date, due_date, tags, recurrence, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Exec(query,
		task.ID, task.UserID, task.Title, task.Description, task.Status, task.Priority,
		task.StartDate, task.DueDate, task.Tags, task.Recurrence, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, title, description, status, priority,
	start_date, due_date, tags, recurrence, created_at, updated_at`

// GetTask returns a task by ID.
func (db *DB) GetTask(id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	task, err := scanTask(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// GetTasksByUser returns all tasks for a user.
func (db *DB) GetTasksByUser(userID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ? ORDER BY created_at`
	rows, err := db.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask updates an existing task.
func (db *DB) UpdateTask(task *Task) error {
	return updateTask(db.conn, task)
}

func updateTask(q queryer, task *Task) error {
	task.UpdatedAt = time.Now().UTC()

	query := `UPDATE tasks SET
		title = ?, description = ?, status = ?, priority = ?,
		start_date = ?, due_date = ?, tags = ?, recurrence = ?, updated_at = ?
		WHERE id = ?`

	result, err := q.Exec(query,
		task.Title, task.Description, task.Status, task.Priority,
		task.StartDate, task.DueDate, task.Tags, task.Recurrence, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireAffected(result)
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(id string) error {
	result, err := db.conn.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireAffected(result)
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var description, tags, recurrence sql.NullString
	var startDate, dueDate sql.NullTime

	err := row.Scan(
		&task.ID, &task.UserID, &task.Title, &description, &task.Status, &task.Priority,
		&startDate, &dueDate, &tags, &recurrence, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Description = description.String
	task.Tags = tags.String
	task.Recurrence = recurrence.String
	if startDate.Valid {
		t := startDate.Time
		task.StartDate = &t
	}
	if dueDate.Valid {
		t := dueDate.Time
		task.DueDate = &t
	}
	return task, nil
}

// CreateEvent inserts a canonical event row.
func (db *DB) CreateEvent(event *Event) error {
	return createEvent(db.conn, event)
}

func createEvent(q queryer, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	query := `INSERT INTO events (
		id, user_id, title, description, location, start_time, end_time,
		all_day, tags, recurrence, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Exec(query,
		event.ID, event.UserID, event.Title, event.Description, event.Location,
		event.StartTime, event.EndTime, event.AllDay, event.Tags, event.Recurrence,
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

const eventColumns = `id, user_id, title, description, location, start_time, end_time,
	all_day, tags, recurrence, created_at, updated_at`

// GetEvent returns an event by ID.
func (db *DB) GetEvent(id string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`
	event, err := scanEvent(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// GetEventsByUser returns all events for a user.
func (db *DB) GetEventsByUser(userID string) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE user_id = ? ORDER BY start_time`
	rows, err := db.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// UpdateEvent updates an existing event.
func (db *DB) UpdateEvent(event *Event) error {
	return updateEvent(db.conn, event)
}

func updateEvent(q queryer, event *Event) error {
	event.UpdatedAt = time.Now().UTC()

	query := `UPDATE events SET
		title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
		all_day = ?, tags = ?, recurrence = ?, updated_at = ?
		WHERE id = ?`

	result, err := q.Exec(query,
		event.Title, event.Description, event.Location, event.StartTime, event.EndTime,
		event.AllDay, event.Tags, event.Recurrence, event.UpdatedAt, event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return requireAffected(result)
}

// DeleteEvent deletes an event by ID.
func (db *DB) DeleteEvent(id string) error {
	result, err := db.conn.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return requireAffected(result)
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var description, location, tags, recurrence sql.NullString

	err := row.Scan(
		&event.ID, &event.UserID, &event.Title, &description, &location,
		&event.StartTime, &event.EndTime, &event.AllDay, &tags, &recurrence,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Description = description.String
	event.Location = location.String
	event.Tags = tags.String
	event.Recurrence = recurrence.String
	return event, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx so item writes can run
// standalone or inside SaveTaskWithMapping/SaveEventWithMapping.
type queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const externalItemColumns = `id, user_integration_id, external_id, external_service, item_type,
	internal_item_id, external_modified_at, last_sync_at, version, created_at`

// GetExternalItem returns the mapping for an external ID under an integration.
func (db *DB) GetExternalItem(userIntegrationID, externalID string) (*ExternalItem, error) {
	query := `SELECT ` + externalItemColumns + ` FROM external_items
		WHERE user_integration_id = ? AND external_id = ?`
	item, err := scanExternalItem(db.conn.QueryRow(query, userIntegrationID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// GetExternalItems returns all mappings for an integration.
func (db *DB) GetExternalItems(userIntegrationID string) ([]*ExternalItem, error) {
	query := `SELECT ` + externalItemColumns + ` FROM external_items
		WHERE user_integration_id = ? ORDER BY created_at`
	rows, err := db.conn.Query(query, userIntegrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query external items: %w", err)
	}
	defer rows.Close()

	var items []*ExternalItem
	for rows.Next() {
		item, err := scanExternalItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external items: %w", err)
	}
	return items, nil
}

// UpsertExternalItem inserts the mapping or, if one already exists for the
// (integration, external ID) pair, refreshes it and bumps the version.
func (db *DB) UpsertExternalItem(item *ExternalItem) error {
	return upsertExternalItem(db.conn, item)
}

func upsertExternalItem(q queryer, item *ExternalItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.LastSyncAt = now
	if item.Version <= 0 {
		item.Version = 1
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	query := `INSERT INTO external_items (
		id, user_integration_id, external_id, external_service, item_type,
		internal_item_id, external_modified_at, last_sync_at, version, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_integration_id, external_id) DO UPDATE SET
		internal_item_id = excluded.internal_item_id,
		external_modified_at = excluded.external_modified_at,
		last_sync_at = excluded.last_sync_at,
		version = external_items.version + 1`

	_, err := q.Exec(query,
		item.ID, item.UserIntegrationID, item.ExternalID, item.ExternalService, item.ItemType,
		item.InternalItemID, item.ExternalModifiedAt, item.LastSyncAt, item.Version, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert external item: %w", err)
	}
	return nil
}

// DeleteExternalItem removes a single mapping.
func (db *DB) DeleteExternalItem(userIntegrationID, externalID string) error {
	result, err := db.conn.Exec(
		`DELETE FROM external_items WHERE user_integration_id = ? AND external_id = ?`,
		userIntegrationID, externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete external item: %w", err)
	}
	return requireAffected(result)
}

// SaveTaskWithMapping writes the task and its external mapping in one
// transaction so a crash cannot leave an item without identity correlation.
func (db *DB) SaveTaskWithMapping(task *Task, item *ExternalItem, isNew bool) error {
	return db.WithTx(func(tx *sql.Tx) error {
		if isNew {
			if err := createTask(tx, task); err != nil {
				return err
			}
		} else {
			if err := updateTask(tx, task); err != nil {
				return err
			}
		}
		item.InternalItemID = task.ID
		item.ItemType = "task"
		return upsertExternalItem(tx, item)
	})
}

// SaveEventWithMapping writes the event and its external mapping in one
// transaction.
func (db *DB) SaveEventWithMapping(event *Event, item *ExternalItem, isNew bool) error {
	return db.WithTx(func(tx *sql.Tx) error {
		if isNew {
			if err := createEvent(tx, event); err != nil {
				return err
			}
		} else {
			if err := updateEvent(tx, event); err != nil {
				return err
			}
		}
		item.InternalItemID = event.ID
		item.ItemType = "event"
		return upsertExternalItem(tx, item)
	})
}

func scanExternalItem(row rowScanner) (*ExternalItem, error) {
	item := &ExternalItem{}
	var externalModifiedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.UserIntegrationID, &item.ExternalID, &item.ExternalService, &item.ItemType,
		&item.InternalItemID, &externalModifiedAt, &item.LastSyncAt, &item.Version, &item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan external item: %w", err)
	}

	if externalModifiedAt.Valid {
		t := externalModifiedAt.Time
		item.ExternalModifiedAt = &t
	}
	return item, nil
}
