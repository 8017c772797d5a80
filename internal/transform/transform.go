package transform

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/teambition/rrule-go"
)

// Vocabulary holds one service's bidirectional status/priority mapping
// tables. Unmapped inbound values fall back to the most conservative
// canonical value (pending, medium).
type Vocabulary struct {
	Service     string
	StatusIn    map[string]integration.TaskStatus
	StatusOut   map[integration.TaskStatus]string
	PriorityIn  map[string]integration.TaskPriority
	PriorityOut map[integration.TaskPriority]string
}

// Transformer maps external records to and from the canonical model using
// per-service vocabularies. Shared mapping logic lives here so vendors
// only declare their vocabulary pairs.
type Transformer struct {
	mu     sync.RWMutex
	vocabs map[string]*Vocabulary
}

// NewTransformer creates an empty transformer.
func NewTransformer() *Transformer {
	return &Transformer{vocabs: make(map[string]*Vocabulary)}
}

// Register adds or replaces a service vocabulary.
func (t *Transformer) Register(v *Vocabulary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vocabs[v.Service] = v
}

func (t *Transformer) vocabulary(service string) (*Vocabulary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vocabs[service]
	if !ok {
		return nil, fmt.Errorf("no vocabulary registered for service %q", service)
	}
	return v, nil
}

// NormalizeStatus maps a vendor status string to its canonical value.
func (v *Vocabulary) NormalizeStatus(raw string) integration.TaskStatus {
	if status, ok := v.StatusIn[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return integration.TaskStatusPending
}

// NormalizePriority maps a vendor priority string to its canonical value.
func (v *Vocabulary) NormalizePriority(raw string) integration.TaskPriority {
	if priority, ok := v.PriorityIn[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return priority
	}
	return integration.PriorityMedium
}

// VendorStatus maps a canonical status to the vendor vocabulary.
func (v *Vocabulary) VendorStatus(status integration.TaskStatus) string {
	if raw, ok := v.StatusOut[status]; ok {
		return raw
	}
	return v.StatusOut[integration.TaskStatusPending]
}

// VendorPriority maps a canonical priority to the vendor vocabulary.
func (v *Vocabulary) VendorPriority(priority integration.TaskPriority) string {
	if raw, ok := v.PriorityOut[priority]; ok {
		return raw
	}
	return v.PriorityOut[integration.PriorityMedium]
}

// TaskFromExternal converts an external task into the canonical shape.
func (t *Transformer) TaskFromExternal(service string, ext *integration.ExternalTask) (*integration.Task, error) {
	v, err := t.vocabulary(service)
	if err != nil {
		return nil, err
	}

	task := &integration.Task{
		Title:       strings.TrimSpace(ext.Title),
		Description: ext.Description,
		Status:      v.NormalizeStatus(ext.Status),
		Priority:    v.NormalizePriority(ext.Priority),
		StartDate:   ext.StartDate,
		DueDate:     ext.DueDate,
		Tags:        ext.Tags,
		Recurrence:  ext.Recurrence,
		UpdatedAt:   ext.ModifiedAt,
	}
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskToExternal converts a canonical task into the vendor shape.
func (t *Transformer) TaskToExternal(service string, task *integration.Task) (*integration.ExternalTask, error) {
	v, err := t.vocabulary(service)
	if err != nil {
		return nil, err
	}
	if err := ValidateTask(task); err != nil {
		return nil, err
	}

	return &integration.ExternalTask{
		Title:       task.Title,
		Description: task.Description,
		Status:      v.VendorStatus(task.Status),
		Priority:    v.VendorPriority(task.Priority),
		StartDate:   task.StartDate,
		DueDate:     task.DueDate,
		Tags:        task.Tags,
		Recurrence:  task.Recurrence,
		ModifiedAt:  task.UpdatedAt,
	}, nil
}

// EventFromExternal converts an external event into the canonical shape.
func (t *Transformer) EventFromExternal(service string, ext *integration.ExternalEvent) (*integration.Event, error) {
	if _, err := t.vocabulary(service); err != nil {
		return nil, err
	}

	event := &integration.Event{
		Title:       strings.TrimSpace(ext.Title),
		Description: ext.Description,
		Location:    ext.Location,
		StartTime:   ext.StartTime,
		EndTime:     ext.EndTime,
		AllDay:      ext.AllDay,
		Recurrence:  ext.Recurrence,
		UpdatedAt:   ext.ModifiedAt,
	}
	if err := ValidateEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// EventToExternal converts a canonical event into the vendor shape.
func (t *Transformer) EventToExternal(service string, event *integration.Event) (*integration.ExternalEvent, error) {
	if _, err := t.vocabulary(service); err != nil {
		return nil, err
	}
	if err := ValidateEvent(event); err != nil {
		return nil, err
	}

	return &integration.ExternalEvent{
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		StartTime:   event.StartTime,
		EndTime:     event.EndTime,
		AllDay:      event.AllDay,
		Recurrence:  event.Recurrence,
		ModifiedAt:  event.UpdatedAt,
	}, nil
}

// ValidateTask checks the minimal invariants before any network call.
// Validation failures are never retried.
func ValidateTask(task *integration.Task) error {
	if strings.TrimSpace(task.Title) == "" {
		return integration.ValidationError("", "task title must not be empty")
	}
	if task.StartDate != nil && task.DueDate != nil && task.DueDate.Before(*task.StartDate) {
		return integration.ValidationError("", "due date must not be before start date")
	}
	if err := validateRecurrence(task.Recurrence); err != nil {
		return err
	}
	return nil
}

// ValidateEvent checks the minimal invariants before any network call.
func ValidateEvent(event *integration.Event) error {
	if strings.TrimSpace(event.Title) == "" {
		return integration.ValidationError("", "event title must not be empty")
	}
	if !event.EndTime.After(event.StartTime) {
		return integration.ValidationError("", "event end time must be after start time")
	}
	if err := validateRecurrence(event.Recurrence); err != nil {
		return err
	}
	return nil
}

// validateRecurrence parses an optional RRULE string.
func validateRecurrence(rule string) error {
	if rule == "" {
		return nil
	}
	if _, err := rrule.StrToRRule(strings.TrimPrefix(rule, "RRULE:")); err != nil {
		return integration.ValidationError("", fmt.Sprintf("invalid recurrence rule: %v", err))
	}
	return nil
}
