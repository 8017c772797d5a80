package sync

import (
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

// resolveTask applies a non-manual conflict policy and returns the winning
// task state. localUpdated and externalModified drive the "latest" policy.
func resolveTask(policy db.ConflictResolution, local, external *integration.Task, localUpdated, externalModified time.Time) *integration.Task {
	switch policy {
	case db.ResolutionLatest:
		if externalModified.After(localUpdated) {
			return external
		}
		return local
	case db.ResolutionMerge:
		return mergeTasks(local, external)
	default: // source: the external side wins
		return external
	}
}

func resolveEvent(policy db.ConflictResolution, local, external *integration.Event, localUpdated, externalModified time.Time) *integration.Event {
	switch policy {
	case db.ResolutionLatest:
		if externalModified.After(localUpdated) {
			return external
		}
		return local
	case db.ResolutionMerge:
		return mergeEvents(local, external)
	default:
		return external
	}
}

// mergeTasks takes the field union of both sides, with the external side
// winning where both carry a value.
func mergeTasks(local, external *integration.Task) *integration.Task {
	merged := *local

	if external.Title != "" {
		merged.Title = external.Title
	}
	if external.Description != "" {
		merged.Description = external.Description
	}
	if external.Status != "" {
		merged.Status = external.Status
	}
	if external.Priority != "" {
		merged.Priority = external.Priority
	}
	if external.StartDate != nil {
		merged.StartDate = external.StartDate
	}
	if external.DueDate != nil {
		merged.DueDate = external.DueDate
	}
	if external.Recurrence != "" {
		merged.Recurrence = external.Recurrence
	}
	merged.Tags = unionTags(local.Tags, external.Tags)
	return &merged
}

func mergeEvents(local, external *integration.Event) *integration.Event {
	merged := *local

	if external.Title != "" {
		merged.Title = external.Title
	}
	if external.Description != "" {
		merged.Description = external.Description
	}
	if external.Location != "" {
		merged.Location = external.Location
	}
	if !external.StartTime.IsZero() {
		merged.StartTime = external.StartTime
		merged.EndTime = external.EndTime
		merged.AllDay = external.AllDay
	}
	if external.Recurrence != "" {
		merged.Recurrence = external.Recurrence
	}
	merged.Tags = unionTags(local.Tags, external.Tags)
	return &merged
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var union []string
	for _, tags := range [][]string{a, b} {
		for _, tag := range tags {
			if !seen[tag] {
				seen[tag] = true
				union = append(union, tag)
			}
		}
	}
	return union
}
