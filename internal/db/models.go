package db

import (
	"time"
)

// SyncStatus is the current sync state of a user integration.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusSuccess SyncStatus = "success"
)

// SyncDirection controls which way data flows for an integration.
type SyncDirection string

const (
	SyncDirectionOneWay SyncDirection = "one_way" // External -> Dayflow only
	SyncDirectionTwoWay SyncDirection = "two_way" // Bidirectional
	SyncDirectionManual SyncDirection = "manual"  // Only on explicit trigger
)

// ValidSyncDirections contains all valid sync direction values.
var ValidSyncDirections = map[SyncDirection]bool{
	SyncDirectionOneWay: true,
	SyncDirectionTwoWay: true,
	SyncDirectionManual: true,
}

// IsValid returns true if the sync direction is a known valid value.
func (sd SyncDirection) IsValid() bool {
	return ValidSyncDirections[sd]
}

// ConflictResolution is the per-integration policy for detected conflicts.
type ConflictResolution string

const (
	ResolutionManual ConflictResolution = "manual" // queue for the user
	ResolutionLatest ConflictResolution = "latest" // newer timestamp wins
	ResolutionSource ConflictResolution = "source" // external side wins
	ResolutionMerge  ConflictResolution = "merge"  // field union, external on overlap
)

// ValidConflictResolutions contains all valid conflict resolution values.
var ValidConflictResolutions = map[ConflictResolution]bool{
	ResolutionManual: true,
	ResolutionLatest: true,
	ResolutionSource: true,
	ResolutionMerge:  true,
}

// IsValid returns true if the conflict resolution is a known valid value.
func (cr ConflictResolution) IsValid() bool {
	return ValidConflictResolutions[cr]
}

// UserIntegration identifies one user's connection to one external service.
// Created on OAuth completion, destroyed on disconnect. Tokens are stored
// encrypted.
type UserIntegration struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Service            string             `json:"service"`
	AccessToken        string             `json:"-"` // Never include in JSON
	RefreshToken       string             `json:"-"` // Never include in JSON
	TokenExpiresAt     *time.Time         `json:"token_expires_at,omitempty"`
	Username           string             `json:"username,omitempty"` // basic-auth services
	Endpoint           string             `json:"endpoint,omitempty"` // self-hosted base URL
	SyncDirection      SyncDirection      `json:"sync_direction"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
	FieldMappings      string             `json:"field_mappings,omitempty"` // JSON blob
	SyncInterval       int                `json:"sync_interval"`            // seconds
	Enabled            bool               `json:"enabled"`
	LastSyncAt         *time.Time         `json:"last_sync_at,omitempty"`
	SyncStatus         SyncStatus         `json:"sync_status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ExternalItem is the durable mapping between an external record and its
// local counterpart. At most one row exists per
// (user_integration_id, external_id); it is never silently deleted except
// on explicit disconnect or erasure.
type ExternalItem struct {
	ID                 string     `json:"id"`
	UserIntegrationID  string     `json:"user_integration_id"`
	ExternalID         string     `json:"external_id"`
	ExternalService    string     `json:"external_service"`
	ItemType           string     `json:"item_type"` // task | event
	InternalItemID     string     `json:"internal_item_id"`
	ExternalModifiedAt *time.Time `json:"external_modified_at,omitempty"`
	LastSyncAt         time.Time  `json:"last_sync_at"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
}

// JobKind selects which of the four sync operations a job performs.
type JobKind string

const (
	JobFullSync        JobKind = "full_sync"
	JobIncrementalSync JobKind = "incremental_sync"
	JobTaskSync        JobKind = "task_sync"
	JobEventSync       JobKind = "event_sync"
)

// ValidJobKinds contains all valid job kinds.
var ValidJobKinds = map[JobKind]bool{
	JobFullSync:        true,
	JobIncrementalSync: true,
	JobTaskSync:        true,
	JobEventSync:       true,
}

// IsValid returns true if the job kind is a known valid value.
func (k JobKind) IsValid() bool {
	return ValidJobKinds[k]
}

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SyncJob is one orchestration run for one integration and scope. Jobs are
// durable rows so their identifiers are stable across process boundaries.
type SyncJob struct {
	ID                string     `json:"id"`
	UserIntegrationID string     `json:"user_integration_id"`
	Kind              JobKind    `json:"kind"`
	Status            JobStatus  `json:"status"`
	ResultStatus      string     `json:"result_status,omitempty"`
	Created           int        `json:"created"`
	Updated           int        `json:"updated"`
	Skipped           int        `json:"skipped"`
	Errors            string     `json:"errors,omitempty"` // JSON array of SyncError
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// SyncConflict pairs one local item with one external item plus the
// detected conflict tags and similarity score. Once resolved it leaves the
// job's pending set.
type SyncConflict struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	UserIntegrationID string     `json:"user_integration_id"`
	ItemType          string     `json:"item_type"`
	LocalItemID       string     `json:"local_item_id"`
	ExternalID        string     `json:"external_id"`
	ConflictTypes     string     `json:"conflict_types"` // JSON array of tags
	Score             float64    `json:"score"`
	Resolution        string     `json:"resolution,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// OAuthState is a short-lived CSRF/session record for one authorization
// attempt. Consumed (deleted) on successful callback, otherwise expires.
type OAuthState struct {
	State        string    `json:"state"`
	Service      string    `json:"service"`
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"-"` // PKCE; never include in JSON
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookRegistration binds a service, integration, target URL, secret and
// subscribed event types. After 5 consecutive delivery failures it is
// deactivated until the user re-registers.
type WebhookRegistration struct {
	ID                string    `json:"id"`
	UserIntegrationID string    `json:"user_integration_id"`
	Service           string    `json:"service"`
	URL               string    `json:"url"`
	Secret            string    `json:"-"` // Never include in JSON
	SubscribedEvents  string    `json:"subscribed_events"` // JSON array; "*" matches all
	ExternalWebhookID string    `json:"external_webhook_id,omitempty"`
	Active            bool      `json:"active"`
	FailureCount      int       `json:"failure_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DeliveryStatus is the state of one outbound webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is a queued outbound notification with retry bookkeeping.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	RegistrationID string         `json:"registration_id"`
	EventID        string         `json:"event_id"`
	Payload        string         `json:"payload"`
	Attempts       int            `json:"attempts"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Task is the stored canonical task row.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Tags        string     `json:"tags,omitempty"` // JSON array
	Recurrence  string     `json:"recurrence,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event is the stored canonical event row.
type Event struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	AllDay      bool       `json:"all_day"`
	Tags        string     `json:"tags,omitempty"` // JSON array
	Recurrence  string     `json:"recurrence,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
