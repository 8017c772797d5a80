package transform

import (
	"testing"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestDetectTaskIdenticalPair(t *testing.T) {
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	local := &integration.Task{
		Title:   "Write report",
		Status:  integration.TaskStatusPending,
		DueDate: timePtr(due),
	}
	external := &integration.Task{
		Title:   "Write report",
		Status:  integration.TaskStatusPending,
		DueDate: timePtr(due.Add(3 * time.Hour)), // same calendar day
	}

	det := NewDetector().DetectTask(local, external)
	if det.HasConflicts() {
		t.Fatalf("expected zero conflicts, got %v", det.Types)
	}
	if det.Score != 1.0 {
		t.Fatalf("expected similarity 1.0, got %v", det.Score)
	}
}

func TestDetectTaskTitleMismatch(t *testing.T) {
	local := &integration.Task{Title: "Write report", Status: integration.TaskStatusPending}
	external := &integration.Task{Title: "Plan quarterly offsite", Status: integration.TaskStatusPending}

	det := NewDetector().DetectTask(local, external)
	if !hasType(det, ConflictTitle) {
		t.Fatalf("expected title_mismatch, got %v", det.Types)
	}
	if det.Score >= 1.0 {
		t.Fatalf("expected degraded score, got %v", det.Score)
	}
}

func TestDetectTaskDescriptionAbsence(t *testing.T) {
	t.Run("one-sided description is a full mismatch", func(t *testing.T) {
		local := &integration.Task{Title: "Write report", Description: "quarterly numbers", Status: integration.TaskStatusPending}
		external := &integration.Task{Title: "Write report", Status: integration.TaskStatusPending}

		det := NewDetector().DetectTask(local, external)
		if !hasType(det, ConflictDescription) {
			t.Fatalf("expected description_mismatch, got %v", det.Types)
		}
	})

	t.Run("both absent skips the dimension", func(t *testing.T) {
		local := &integration.Task{Title: "Write report", Status: integration.TaskStatusPending}
		external := &integration.Task{Title: "Write report", Status: integration.TaskStatusPending}

		det := NewDetector().DetectTask(local, external)
		if hasType(det, ConflictDescription) {
			t.Fatalf("expected no description conflict, got %v", det.Types)
		}
		if det.Score != 1.0 {
			t.Fatalf("expected score 1.0 when optional fields are absent, got %v", det.Score)
		}
	})
}

func TestDetectTaskStatusMismatch(t *testing.T) {
	local := &integration.Task{Title: "Write report", Status: integration.TaskStatusCompleted}
	external := &integration.Task{Title: "Write report", Status: integration.TaskStatusPending}

	det := NewDetector().DetectTask(local, external)
	if !hasType(det, ConflictStatus) {
		t.Fatalf("expected status_mismatch, got %v", det.Types)
	}
}

func TestDetectTaskDateMismatch(t *testing.T) {
	local := &integration.Task{
		Title:   "Write report",
		Status:  integration.TaskStatusPending,
		DueDate: timePtr(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	external := &integration.Task{
		Title:   "Write report",
		Status:  integration.TaskStatusPending,
		DueDate: timePtr(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)),
	}

	det := NewDetector().DetectTask(local, external)
	if !hasType(det, ConflictDate) {
		t.Fatalf("expected date_mismatch, got %v", det.Types)
	}
}

func TestDetectEvent(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("overlapping identical events have no conflicts", func(t *testing.T) {
		local := &integration.Event{Title: "Standup", StartTime: start, EndTime: start.Add(30 * time.Minute)}
		external := &integration.Event{Title: "Standup", StartTime: start.Add(5 * time.Minute), EndTime: start.Add(35 * time.Minute)}

		det := NewDetector().DetectEvent(local, external)
		if det.HasConflicts() {
			t.Fatalf("expected zero conflicts, got %v", det.Types)
		}
	})

	t.Run("disjoint time ranges emit time_mismatch", func(t *testing.T) {
		local := &integration.Event{Title: "Standup", StartTime: start, EndTime: start.Add(30 * time.Minute)}
		external := &integration.Event{Title: "Standup", StartTime: start.Add(2 * time.Hour), EndTime: start.Add(3 * time.Hour)}

		det := NewDetector().DetectEvent(local, external)
		if !hasType(det, ConflictTime) {
			t.Fatalf("expected time_mismatch, got %v", det.Types)
		}
	})
}

func TestStringSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "Write report", "Write report", 1.0, 1.0},
		{"case insensitive", "Write Report", "write report", 1.0, 1.0},
		{"one empty", "Write report", "", 0.0, 0.0},
		{"near match", "Write report", "Write reports", 0.9, 1.0},
		{"unrelated", "Write report", "Buy groceries", 0.0, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StringSimilarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Fatalf("similarity(%q,%q) = %v, want [%v,%v]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"flaw", "lawn", 2},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Fatalf("levenshtein(%q,%q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func hasType(d Detection, ct ConflictType) bool {
	for _, have := range d.Types {
		if have == ct {
			return true
		}
	}
	return false
}
