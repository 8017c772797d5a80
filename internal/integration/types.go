package integration

import (
	"time"
)

// Capability represents a class of operations an external service supports.
type Capability string

const (
	CapabilityTasks    Capability = "task_management"
	CapabilityCalendar Capability = "calendar"
)

// TaskStatus is the canonical task status shared by all adapters.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskPriority is the canonical task priority shared by all adapters.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidTaskStatuses contains all valid canonical task statuses.
var ValidTaskStatuses = map[TaskStatus]bool{
	TaskStatusPending:    true,
	TaskStatusInProgress: true,
	TaskStatusCompleted:  true,
	TaskStatusCancelled:  true,
}

// IsValid returns true if the status is a known canonical value.
func (s TaskStatus) IsValid() bool {
	return ValidTaskStatuses[s]
}

// ValidTaskPriorities contains all valid canonical task priorities.
var ValidTaskPriorities = map[TaskPriority]bool{
	PriorityLow:    true,
	PriorityMedium: true,
	PriorityHigh:   true,
	PriorityUrgent: true,
}

// IsValid returns true if the priority is a known canonical value.
func (p TaskPriority) IsValid() bool {
	return ValidTaskPriorities[p]
}

// Task is the service-agnostic task representation. All adapters translate
// to and from this shape; it is the contract between the sync engine and
// the adapters.
type Task struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	StartDate   *time.Time   `json:"start_date,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Recurrence  string       `json:"recurrence,omitempty"` // RRULE text
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Event is the service-agnostic calendar event representation.
type Event struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	AllDay      bool       `json:"all_day"`
	Tags        []string   `json:"tags,omitempty"`
	Recurrence  string     `json:"recurrence,omitempty"` // RRULE text
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExternalTask is a task as fetched from an external service, with the
// vendor's own status/priority vocabulary still intact. The transformer
// maps it to and from the canonical Task.
type ExternalTask struct {
	ID          string
	Title       string
	Description string
	Status      string // vendor vocabulary
	Priority    string // vendor vocabulary
	StartDate   *time.Time
	DueDate     *time.Time
	Tags        []string
	Recurrence  string
	ModifiedAt  time.Time
}

// ExternalEvent is an event as fetched from an external service.
type ExternalEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	AllDay      bool
	Recurrence  string
	ModifiedAt  time.Time
}

// ItemType distinguishes tasks from events in mappings and conflicts.
type ItemType string

const (
	ItemTypeTask  ItemType = "task"
	ItemTypeEvent ItemType = "event"
)

// Token holds the credentials an adapter authenticates with. For OAuth
// services AccessToken is a bearer token; for basic-auth services (CalDAV)
// AccessToken carries the password and Username the account name.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Username     string
	Endpoint     string // per-user base URL override (self-hosted servers)
}

// WebhookEvent is the canonical form of an inbound vendor notification.
type WebhookEvent struct {
	Source     string                 `json:"source"` // service name
	Type       string                 `json:"type"`   // e.g. "task", "event"
	Action     string                 `json:"action"` // created|updated|deleted
	ExternalID string                 `json:"external_id"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// SyncResultStatus summarizes how a sync run went.
type SyncResultStatus string

const (
	SyncResultSuccess SyncResultStatus = "success"
	SyncResultPartial SyncResultStatus = "partial_success"
	SyncResultError   SyncResultStatus = "error"
)

// SyncError records a single item failure inside a sync run. Per-item
// failures do not abort the remaining items.
type SyncError struct {
	ExternalID string `json:"external_id,omitempty"`
	ItemType   string `json:"item_type,omitempty"`
	Message    string `json:"message"`
}

// SyncResult is the reporting surface of one sync run. Every skipped or
// failed item is represented here; there is no silent failure.
type SyncResult struct {
	Status    SyncResultStatus `json:"status"`
	Created   int              `json:"created"`
	Updated   int              `json:"updated"`
	Skipped   int              `json:"skipped"`
	Conflicts int              `json:"conflicts"`
	Errors    []SyncError      `json:"errors,omitempty"`
	Duration  time.Duration    `json:"duration"`
}
