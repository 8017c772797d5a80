package sync

import (
	"encoding/json"

	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

// taskFromRow maps a stored task row to the canonical shape.
func taskFromRow(row *db.Task) *integration.Task {
	return &integration.Task{
		ID:          row.ID,
		UserID:      row.UserID,
		Title:       row.Title,
		Description: row.Description,
		Status:      integration.TaskStatus(row.Status),
		Priority:    integration.TaskPriority(row.Priority),
		StartDate:   row.StartDate,
		DueDate:     row.DueDate,
		Tags:        decodeTags(row.Tags),
		Recurrence:  row.Recurrence,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

// applyTaskToRow copies canonical task fields onto a stored row.
func applyTaskToRow(row *db.Task, task *integration.Task) {
	row.Title = task.Title
	row.Description = task.Description
	row.Status = string(task.Status)
	row.Priority = string(task.Priority)
	row.StartDate = task.StartDate
	row.DueDate = task.DueDate
	row.Tags = encodeTags(task.Tags)
	row.Recurrence = task.Recurrence
}

func eventFromRow(row *db.Event) *integration.Event {
	return &integration.Event{
		ID:          row.ID,
		UserID:      row.UserID,
		Title:       row.Title,
		Description: row.Description,
		Location:    row.Location,
		StartTime:   row.StartTime,
		EndTime:     row.EndTime,
		AllDay:      row.AllDay,
		Tags:        decodeTags(row.Tags),
		Recurrence:  row.Recurrence,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

func applyEventToRow(row *db.Event, event *integration.Event) {
	row.Title = event.Title
	row.Description = event.Description
	row.Location = event.Location
	row.StartTime = event.StartTime
	row.EndTime = event.EndTime
	row.AllDay = event.AllDay
	row.Tags = encodeTags(event.Tags)
	row.Recurrence = event.Recurrence
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return ""
	}
	return string(data)
}
