package transform

import (
	"testing"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

func testVocabulary() *Vocabulary {
	return &Vocabulary{
		Service: "testsvc",
		StatusIn: map[string]integration.TaskStatus{
			"open":    integration.TaskStatusPending,
			"doing":   integration.TaskStatusInProgress,
			"done":    integration.TaskStatusCompleted,
			"dropped": integration.TaskStatusCancelled,
		},
		StatusOut: map[integration.TaskStatus]string{
			integration.TaskStatusPending:    "open",
			integration.TaskStatusInProgress: "doing",
			integration.TaskStatusCompleted:  "done",
			integration.TaskStatusCancelled:  "dropped",
		},
		PriorityIn: map[string]integration.TaskPriority{
			"p4": integration.PriorityLow,
			"p3": integration.PriorityMedium,
			"p2": integration.PriorityHigh,
			"p1": integration.PriorityUrgent,
		},
		PriorityOut: map[integration.TaskPriority]string{
			integration.PriorityLow:    "p4",
			integration.PriorityMedium: "p3",
			integration.PriorityHigh:   "p2",
			integration.PriorityUrgent: "p1",
		},
	}
}

func TestStatusPriorityRoundTrip(t *testing.T) {
	tr := NewTransformer()
	tr.Register(testVocabulary())

	for status := range integration.ValidTaskStatuses {
		for priority := range integration.ValidTaskPriorities {
			task := &integration.Task{Title: "Round trip", Status: status, Priority: priority}

			ext, err := tr.TaskToExternal("testsvc", task)
			if err != nil {
				t.Fatalf("TaskToExternal(%s,%s): %v", status, priority, err)
			}
			back, err := tr.TaskFromExternal("testsvc", ext)
			if err != nil {
				t.Fatalf("TaskFromExternal(%s,%s): %v", status, priority, err)
			}

			if back.Status != status {
				t.Fatalf("status round trip: %s -> %s", status, back.Status)
			}
			if back.Priority != priority {
				t.Fatalf("priority round trip: %s -> %s", priority, back.Priority)
			}
		}
	}
}

func TestUnmappedValuesFallBack(t *testing.T) {
	tr := NewTransformer()
	tr.Register(testVocabulary())

	ext := &integration.ExternalTask{
		Title:    "Mystery",
		Status:   "archived",  // not in vocabulary
		Priority: "highest++", // not in vocabulary
	}
	task, err := tr.TaskFromExternal("testsvc", ext)
	if err != nil {
		t.Fatalf("TaskFromExternal: %v", err)
	}
	if task.Status != integration.TaskStatusPending {
		t.Fatalf("expected fallback status pending, got %s", task.Status)
	}
	if task.Priority != integration.PriorityMedium {
		t.Fatalf("expected fallback priority medium, got %s", task.Priority)
	}
}

func TestValidateTask(t *testing.T) {
	start := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	earlier := start.Add(-24 * time.Hour)

	tests := []struct {
		name    string
		task    *integration.Task
		wantErr bool
	}{
		{"valid", &integration.Task{Title: "ok", Status: integration.TaskStatusPending}, false},
		{"empty title", &integration.Task{Title: "   "}, true},
		{"due before start", &integration.Task{Title: "ok", StartDate: &start, DueDate: &earlier}, true},
		{"valid recurrence", &integration.Task{Title: "ok", Recurrence: "FREQ=WEEKLY;BYDAY=MO"}, false},
		{"invalid recurrence", &integration.Task{Title: "ok", Recurrence: "FREQ=NEVERLY"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTask(tt.task)
			if tt.wantErr && !integration.IsKind(err, integration.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateEvent(t *testing.T) {
	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	t.Run("end must be after start", func(t *testing.T) {
		event := &integration.Event{Title: "Standup", StartTime: start, EndTime: start}
		if err := ValidateEvent(event); !integration.IsKind(err, integration.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("valid event", func(t *testing.T) {
		event := &integration.Event{Title: "Standup", StartTime: start, EndTime: start.Add(time.Hour)}
		if err := ValidateEvent(event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestUnknownServiceVocabulary(t *testing.T) {
	tr := NewTransformer()
	if _, err := tr.TaskFromExternal("nope", &integration.ExternalTask{Title: "x"}); err == nil {
		t.Fatal("expected error for unregistered service")
	}
}
