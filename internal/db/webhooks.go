package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateWebhookRegistration stores a new registration.
func (db *DB) CreateWebhookRegistration(reg *WebhookRegistration) error {
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	reg.CreatedAt = time.Now().UTC()
	reg.UpdatedAt = reg.CreatedAt
	reg.Active = true
	if reg.SubscribedEvents == "" {
		reg.SubscribedEvents = `["*"]`
	}

	query := `INSERT INTO webhook_registrations (
		id, user_integration_id, service, url, secret, subscribed_events,
		external_webhook_id, active, failure_count, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		reg.ID, reg.UserIntegrationID, reg.Service, reg.URL, reg.Secret, reg.SubscribedEvents,
		reg.ExternalWebhookID, reg.Active, reg.FailureCount, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook registration: %w", err)
	}
	return nil
}

const webhookRegistrationColumns = `id, user_integration_id, service, url, secret, subscribed_events,
	external_webhook_id, active, failure_count, created_at, updated_at`

// GetWebhookRegistration returns a registration by ID.
func (db *DB) GetWebhookRegistration(id string) (*WebhookRegistration, error) {
	query := `SELECT ` + webhookRegistrationColumns + ` FROM webhook_registrations WHERE id = ?`
	reg, err := scanWebhookRegistration(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return reg, err
}

// GetActiveRegistrationsByService returns active registrations for a service.
func (db *DB) GetActiveRegistrationsByService(service string) ([]*WebhookRegistration, error) {
	query := `SELECT ` + webhookRegistrationColumns + ` FROM webhook_registrations
		WHERE service = ? AND active = 1 ORDER BY created_at`
	return db.queryWebhookRegistrations(query, service)
}

// GetRegistrationsForIntegration returns all registrations for an integration.
func (db *DB) GetRegistrationsForIntegration(userIntegrationID string) ([]*WebhookRegistration, error) {
	query := `SELECT ` + webhookRegistrationColumns + ` FROM webhook_registrations
		WHERE user_integration_id = ? ORDER BY created_at`
	return db.queryWebhookRegistrations(query, userIntegrationID)
}

func (db *DB) queryWebhookRegistrations(query string, args ...interface{}) ([]*WebhookRegistration, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook registrations: %w", err)
	}
	defer rows.Close()

	var regs []*WebhookRegistration
	for rows.Next() {
		reg, err := scanWebhookRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook registrations: %w", err)
	}
	return regs, nil
}

// ResetRegistrationFailures zeroes the consecutive failure counter.
func (db *DB) ResetRegistrationFailures(id string) error {
	now := time.Now().UTC()
	query := `UPDATE webhook_registrations SET failure_count = 0, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, now, id)
	if err != nil {
		return fmt.Errorf("failed to reset registration failures: %w", err)
	}
	return requireAffected(result)
}

// RecordRegistrationFailure increments the consecutive failure counter and
// deactivates the registration once it reaches the limit. Returns the new
// count.
func (db *DB) RecordRegistrationFailure(id string, deactivateAt int) (int, error) {
	var count int
	err := db.WithTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		result, err := tx.Exec(
			`UPDATE webhook_registrations SET failure_count = failure_count + 1, updated_at = ? WHERE id = ?`,
			now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to record registration failure: %w", err)
		}
		if err := requireAffected(result); err != nil {
			return err
		}

		if err := tx.QueryRow(
			`SELECT failure_count FROM webhook_registrations WHERE id = ?`, id,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to read failure count: %w", err)
		}

		if count >= deactivateAt {
			if _, err := tx.Exec(
				`UPDATE webhook_registrations SET active = 0, updated_at = ? WHERE id = ?`,
				now, id,
			); err != nil {
				return fmt.Errorf("failed to deactivate registration: %w", err)
			}
		}
		return nil
	})
	return count, err
}

// ReactivateRegistration re-enables a deactivated registration and clears
// its failure count.
func (db *DB) ReactivateRegistration(id string) error {
	now := time.Now().UTC()
	query := `UPDATE webhook_registrations SET active = 1, failure_count = 0, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, now, id)
	if err != nil {
		return fmt.Errorf("failed to reactivate registration: %w", err)
	}
	return requireAffected(result)
}

// DeleteWebhookRegistration removes a registration and its queued deliveries.
func (db *DB) DeleteWebhookRegistration(id string) error {
	result, err := db.conn.Exec(`DELETE FROM webhook_registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook registration: %w", err)
	}
	return requireAffected(result)
}

func scanWebhookRegistration(row rowScanner) (*WebhookRegistration, error) {
	reg := &WebhookRegistration{}
	var secret, externalWebhookID sql.NullString

	err := row.Scan(
		&reg.ID, &reg.UserIntegrationID, &reg.Service, &reg.URL, &secret, &reg.SubscribedEvents,
		&externalWebhookID, &reg.Active, &reg.FailureCount, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook registration: %w", err)
	}

	reg.Secret = secret.String
	reg.ExternalWebhookID = externalWebhookID.String
	return reg, nil
}

// EnqueueWebhookDelivery queues one outbound notification.
func (db *DB) EnqueueWebhookDelivery(delivery *WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	delivery.CreatedAt = now
	delivery.UpdatedAt = now
	delivery.Status = DeliveryPending
	if delivery.NextAttemptAt.IsZero() {
		delivery.NextAttemptAt = now
	}

	query := `INSERT INTO webhook_deliveries (
		id, registration_id, event_id, payload, attempts, next_attempt_at,
		status, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		delivery.ID, delivery.RegistrationID, delivery.EventID, delivery.Payload,
		delivery.Attempts, delivery.NextAttemptAt, delivery.Status, delivery.LastError,
		delivery.CreatedAt, delivery.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook delivery: %w", err)
	}
	return nil
}

const webhookDeliveryColumns = `id, registration_id, event_id, payload, attempts, next_attempt_at,
	status, last_error, created_at, updated_at`

// GetDueDeliveries returns pending deliveries whose next attempt is due.
func (db *DB) GetDueDeliveries(limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	query := `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
		WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`

	rows, err := db.conn.Query(query, DeliveryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		delivery, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkDeliveryDelivered finalizes a successful delivery.
func (db *DB) MarkDeliveryDelivered(id string) error {
	now := time.Now().UTC()
	query := `UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, DeliveryDelivered, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	return requireAffected(result)
}

// MarkDeliveryFailed records a failed attempt. While attempts remain the
// delivery stays pending with a new due time; otherwise it moves to failed.
func (db *DB) MarkDeliveryFailed(id string, nextAttempt time.Time, lastError string, exhausted bool) error {
	now := time.Now().UTC()
	status := DeliveryPending
	if exhausted {
		status = DeliveryFailed
	}
	query := `UPDATE webhook_deliveries SET
		status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, status, nextAttempt, lastError, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return requireAffected(result)
}

// GetDeliveriesForRegistration returns a registration's delivery history,
// newest first.
func (db *DB) GetDeliveriesForRegistration(registrationID string, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
		WHERE registration_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, registrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		delivery, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook deliveries: %w", err)
	}
	return deliveries, nil
}

// RequeueDelivery makes a pending delivery immediately due, skipping its
// remaining backoff. No-op for terminal deliveries.
func (db *DB) RequeueDelivery(id string) error {
	now := time.Now().UTC()
	query := `UPDATE webhook_deliveries SET next_attempt_at = ?, updated_at = ? WHERE id = ? AND status = ?`

	_, err := db.conn.Exec(query, now, now, id, DeliveryPending)
	if err != nil {
		return fmt.Errorf("failed to requeue delivery: %w", err)
	}
	return nil
}

// CleanupOldDeliveries deletes terminal deliveries older than the retention
// window.
func (db *DB) CleanupOldDeliveries(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `DELETE FROM webhook_deliveries WHERE status IN (?, ?) AND created_at < ?`

	result, err := db.conn.Exec(query, DeliveryDelivered, DeliveryFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old deliveries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

func scanWebhookDelivery(row rowScanner) (*WebhookDelivery, error) {
	delivery := &WebhookDelivery{}
	var lastError sql.NullString

	err := row.Scan(
		&delivery.ID, &delivery.RegistrationID, &delivery.EventID, &delivery.Payload,
		&delivery.Attempts, &delivery.NextAttemptAt, &delivery.Status, &lastError,
		&delivery.CreatedAt, &delivery.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
	}

	delivery.LastError = lastError.String
	return delivery, nil
}
