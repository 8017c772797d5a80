package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "dayflow-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// createTestIntegration creates an integration row for tests.
func createTestIntegration(t *testing.T, db *DB, userID, service string) *UserIntegration {
	t.Helper()

	ui := &UserIntegration{
		UserID:      userID,
		Service:     service,
		AccessToken: "encrypted-token",
		Enabled:     true,
	}
	if err := db.CreateUserIntegration(ui); err != nil {
		t.Fatalf("failed to create test integration: %v", err)
	}
	return ui
}

func TestUserIntegrationCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")

	t.Run("defaults applied", func(t *testing.T) {
		if ui.SyncStatus != SyncStatusIdle {
			t.Errorf("expected idle status, got %s", ui.SyncStatus)
		}
		if ui.ConflictResolution != ResolutionManual {
			t.Errorf("expected manual resolution, got %s", ui.ConflictResolution)
		}
		if ui.SyncInterval != 900 {
			t.Errorf("expected default interval 900, got %d", ui.SyncInterval)
		}
	})

	t.Run("get by user and service", func(t *testing.T) {
		got, err := db.GetUserIntegration("user-1", "todoist")
		if err != nil {
			t.Fatalf("GetUserIntegration: %v", err)
		}
		if got.ID != ui.ID {
			t.Errorf("expected ID %s, got %s", ui.ID, got.ID)
		}
	})

	t.Run("duplicate service rejected", func(t *testing.T) {
		dup := &UserIntegration{UserID: "user-1", Service: "todoist", AccessToken: "t"}
		if err := db.CreateUserIntegration(dup); err == nil {
			t.Error("expected unique constraint error")
		}
	})

	t.Run("update tokens", func(t *testing.T) {
		expires := time.Now().UTC().Add(time.Hour)
		if err := db.UpdateIntegrationTokens(ui.ID, "new-access", "new-refresh", &expires); err != nil {
			t.Fatalf("UpdateIntegrationTokens: %v", err)
		}
		got, err := db.GetUserIntegrationByID(ui.ID)
		if err != nil {
			t.Fatalf("GetUserIntegrationByID: %v", err)
		}
		if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
			t.Error("tokens were not updated")
		}
		if got.TokenExpiresAt == nil {
			t.Error("expected token expiry to be set")
		}
	})

	t.Run("sync status update", func(t *testing.T) {
		if err := db.UpdateIntegrationSyncStatus(ui.ID, SyncStatusSuccess); err != nil {
			t.Fatalf("UpdateIntegrationSyncStatus: %v", err)
		}
		got, _ := db.GetUserIntegrationByID(ui.ID)
		if got.SyncStatus != SyncStatusSuccess {
			t.Errorf("expected success, got %s", got.SyncStatus)
		}
		if got.LastSyncAt == nil {
			t.Error("expected last_sync_at to be set")
		}

		before := got.LastSyncAt
		if err := db.UpdateIntegrationSyncStatus(ui.ID, SyncStatusError); err != nil {
			t.Fatalf("UpdateIntegrationSyncStatus: %v", err)
		}
		got, _ = db.GetUserIntegrationByID(ui.ID)
		if got.SyncStatus != SyncStatusError {
			t.Errorf("expected error status, got %s", got.SyncStatus)
		}
		if got.LastSyncAt == nil || !got.LastSyncAt.Equal(*before) {
			t.Error("expected last_sync_at to be unchanged on failed sync")
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := db.GetUserIntegrationByID("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.DeleteUserIntegration(ui.ID); err != nil {
			t.Fatalf("DeleteUserIntegration: %v", err)
		}
		if _, err := db.GetUserIntegrationByID(ui.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestSaveTaskWithMapping(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")

	task := &Task{UserID: "user-1", Title: "Write report", Status: "pending", Priority: "medium"}
	item := &ExternalItem{
		UserIntegrationID: ui.ID,
		ExternalID:        "ext-123",
		ExternalService:   "todoist",
	}

	if err := db.SaveTaskWithMapping(task, item, true); err != nil {
		t.Fatalf("SaveTaskWithMapping: %v", err)
	}

	t.Run("task and mapping both written", func(t *testing.T) {
		got, err := db.GetTask(task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Title != "Write report" {
			t.Errorf("unexpected title %q", got.Title)
		}

		mapping, err := db.GetExternalItem(ui.ID, "ext-123")
		if err != nil {
			t.Fatalf("GetExternalItem: %v", err)
		}
		if mapping.InternalItemID != task.ID {
			t.Errorf("mapping points at %s, want %s", mapping.InternalItemID, task.ID)
		}
		if mapping.Version != 1 {
			t.Errorf("expected version 1, got %d", mapping.Version)
		}
	})

	t.Run("update bumps mapping version", func(t *testing.T) {
		task.Title = "Write annual report"
		if err := db.SaveTaskWithMapping(task, item, false); err != nil {
			t.Fatalf("SaveTaskWithMapping update: %v", err)
		}

		mapping, err := db.GetExternalItem(ui.ID, "ext-123")
		if err != nil {
			t.Fatalf("GetExternalItem: %v", err)
		}
		if mapping.Version != 2 {
			t.Errorf("expected version 2 after upsert, got %d", mapping.Version)
		}
		got, _ := db.GetTask(task.ID)
		if got.Title != "Write annual report" {
			t.Errorf("task title not updated: %q", got.Title)
		}
	})

	t.Run("mappings removed on integration delete", func(t *testing.T) {
		if err := db.DeleteUserIntegration(ui.ID); err != nil {
			t.Fatalf("DeleteUserIntegration: %v", err)
		}
		if _, err := db.GetExternalItem(ui.ID, "ext-123"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected mapping cascade delete, got %v", err)
		}
		// Canonical items survive disconnect.
		if _, err := db.GetTask(task.ID); err != nil {
			t.Errorf("task should survive disconnect: %v", err)
		}
	})
}

func TestSyncJobLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "google_calendar")

	job := &SyncJob{UserIntegrationID: ui.ID, Kind: JobFullSync}
	if err := db.CreateSyncJob(job); err != nil {
		t.Fatalf("CreateSyncJob: %v", err)
	}

	t.Run("starts pending", func(t *testing.T) {
		got, err := db.GetSyncJob(job.ID)
		if err != nil {
			t.Fatalf("GetSyncJob: %v", err)
		}
		if got.Status != JobStatusPending {
			t.Errorf("expected pending, got %s", got.Status)
		}
	})

	t.Run("pending to running", func(t *testing.T) {
		if err := db.MarkJobRunning(job.ID); err != nil {
			t.Fatalf("MarkJobRunning: %v", err)
		}
		// Second transition must fail; running is reachable only from pending.
		if err := db.MarkJobRunning(job.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on repeat transition, got %v", err)
		}
	})

	t.Run("finish with counters", func(t *testing.T) {
		job.Status = JobStatusCompleted
		job.ResultStatus = "success"
		job.Created = 3
		job.Updated = 1
		if err := db.FinishJob(job); err != nil {
			t.Fatalf("FinishJob: %v", err)
		}

		got, _ := db.GetSyncJob(job.ID)
		if got.Status != JobStatusCompleted || got.Created != 3 || got.Updated != 1 {
			t.Errorf("unexpected finished job: %+v", got)
		}
		if got.FinishedAt == nil {
			t.Error("expected finished_at to be set")
		}
	})

	t.Run("terminal jobs are immutable", func(t *testing.T) {
		job.Status = JobStatusFailed
		if err := db.FinishJob(job); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound when re-finishing, got %v", err)
		}
	})

	t.Run("non-terminal status rejected", func(t *testing.T) {
		bad := &SyncJob{ID: job.ID, Status: JobStatusRunning}
		if err := db.FinishJob(bad); err == nil {
			t.Error("expected error for non-terminal status")
		}
	})
}

func TestFailInterruptedJobs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")

	running := &SyncJob{UserIntegrationID: ui.ID, Kind: JobTaskSync}
	pending := &SyncJob{UserIntegrationID: ui.ID, Kind: JobEventSync}
	done := &SyncJob{UserIntegrationID: ui.ID, Kind: JobFullSync}
	for _, j := range []*SyncJob{running, pending, done} {
		if err := db.CreateSyncJob(j); err != nil {
			t.Fatalf("CreateSyncJob: %v", err)
		}
	}
	if err := db.MarkJobRunning(running.ID); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}
	done.Status = JobStatusCompleted
	done.ResultStatus = "success"
	if err := db.FinishJob(done); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	n, err := db.FailInterruptedJobs("interrupted by restart")
	if err != nil {
		t.Fatalf("FailInterruptedJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 interrupted jobs, got %d", n)
	}

	for _, id := range []string{running.ID, pending.ID} {
		got, _ := db.GetSyncJob(id)
		if got.Status != JobStatusFailed {
			t.Errorf("job %s: expected failed, got %s", id, got.Status)
		}
	}
	got, _ := db.GetSyncJob(done.ID)
	if got.Status != JobStatusCompleted {
		t.Errorf("completed job should be untouched, got %s", got.Status)
	}
}

func TestSyncConflicts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")
	job := &SyncJob{UserIntegrationID: ui.ID, Kind: JobTaskSync}
	if err := db.CreateSyncJob(job); err != nil {
		t.Fatalf("CreateSyncJob: %v", err)
	}

	conflict := &SyncConflict{
		JobID:             job.ID,
		UserIntegrationID: ui.ID,
		ItemType:          "task",
		LocalItemID:       "task-1",
		ExternalID:        "ext-1",
		ConflictTypes:     `["title_mismatch"]`,
		Score:             0.85,
	}
	if err := db.CreateSyncConflict(conflict); err != nil {
		t.Fatalf("CreateSyncConflict: %v", err)
	}

	pending, err := db.GetPendingConflicts(ui.ID)
	if err != nil {
		t.Fatalf("GetPendingConflicts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending conflict, got %d", len(pending))
	}

	if err := db.ResolveSyncConflict(conflict.ID, "latest"); err != nil {
		t.Fatalf("ResolveSyncConflict: %v", err)
	}

	// Resolved conflicts leave the pending set and cannot be re-resolved.
	pending, _ = db.GetPendingConflicts(ui.ID)
	if len(pending) != 0 {
		t.Errorf("expected 0 pending conflicts, got %d", len(pending))
	}
	if err := db.ResolveSyncConflict(conflict.ID, "source"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double resolve, got %v", err)
	}
}

func TestOAuthStateConsumption(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	state := &OAuthState{
		State:        "state-abc",
		Service:      "todoist",
		UserID:       "user-1",
		CodeVerifier: "verifier",
	}
	if err := db.CreateOAuthState(state); err != nil {
		t.Fatalf("CreateOAuthState: %v", err)
	}

	t.Run("first consumption succeeds", func(t *testing.T) {
		got, err := db.ConsumeOAuthState("state-abc", 10*time.Minute)
		if err != nil {
			t.Fatalf("ConsumeOAuthState: %v", err)
		}
		if got.CodeVerifier != "verifier" || got.UserID != "user-1" {
			t.Errorf("unexpected record: %+v", got)
		}
	})

	t.Run("replay fails", func(t *testing.T) {
		if _, err := db.ConsumeOAuthState("state-abc", 10*time.Minute); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on replay, got %v", err)
		}
	})

	t.Run("expired state rejected and deleted", func(t *testing.T) {
		old := &OAuthState{State: "state-old", Service: "todoist", UserID: "user-1"}
		if err := db.CreateOAuthState(old); err != nil {
			t.Fatalf("CreateOAuthState: %v", err)
		}
		if _, err := db.ConsumeOAuthState("state-old", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for expired state, got %v", err)
		}
		if _, err := db.ConsumeOAuthState("state-old", time.Hour); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired state should have been deleted, got %v", err)
		}
	})
}

func TestWebhookRegistrationFailures(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")

	reg := &WebhookRegistration{
		UserIntegrationID: ui.ID,
		Service:           "todoist",
		URL:               "https://hooks.example.com/dayflow",
		Secret:            "shh",
	}
	if err := db.CreateWebhookRegistration(reg); err != nil {
		t.Fatalf("CreateWebhookRegistration: %v", err)
	}

	t.Run("deactivates at threshold", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			count, err := db.RecordRegistrationFailure(reg.ID, 5)
			if err != nil {
				t.Fatalf("RecordRegistrationFailure %d: %v", i, err)
			}
			if count != i {
				t.Errorf("expected count %d, got %d", i, count)
			}
		}

		got, err := db.GetWebhookRegistration(reg.ID)
		if err != nil {
			t.Fatalf("GetWebhookRegistration: %v", err)
		}
		if got.Active {
			t.Error("expected registration to be deactivated after 5 failures")
		}

		active, _ := db.GetActiveRegistrationsByService("todoist")
		if len(active) != 0 {
			t.Errorf("expected 0 active registrations, got %d", len(active))
		}
	})

	t.Run("reactivation clears failures", func(t *testing.T) {
		if err := db.ReactivateRegistration(reg.ID); err != nil {
			t.Fatalf("ReactivateRegistration: %v", err)
		}
		got, _ := db.GetWebhookRegistration(reg.ID)
		if !got.Active || got.FailureCount != 0 {
			t.Errorf("expected active with 0 failures, got %+v", got)
		}
	})

	t.Run("success resets counter", func(t *testing.T) {
		if _, err := db.RecordRegistrationFailure(reg.ID, 5); err != nil {
			t.Fatalf("RecordRegistrationFailure: %v", err)
		}
		if err := db.ResetRegistrationFailures(reg.ID); err != nil {
			t.Fatalf("ResetRegistrationFailures: %v", err)
		}
		got, _ := db.GetWebhookRegistration(reg.ID)
		if got.FailureCount != 0 {
			t.Errorf("expected 0 failures after reset, got %d", got.FailureCount)
		}
	})
}

func TestWebhookDeliveryQueue(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ui := createTestIntegration(t, db, "user-1", "todoist")
	reg := &WebhookRegistration{UserIntegrationID: ui.ID, Service: "todoist", URL: "https://hooks.example.com/x"}
	if err := db.CreateWebhookRegistration(reg); err != nil {
		t.Fatalf("CreateWebhookRegistration: %v", err)
	}

	delivery := &WebhookDelivery{
		RegistrationID: reg.ID,
		EventID:        "evt-1",
		Payload:        `{"eventId":"evt-1"}`,
	}
	if err := db.EnqueueWebhookDelivery(delivery); err != nil {
		t.Fatalf("EnqueueWebhookDelivery: %v", err)
	}

	t.Run("due immediately", func(t *testing.T) {
		due, err := db.GetDueDeliveries(10)
		if err != nil {
			t.Fatalf("GetDueDeliveries: %v", err)
		}
		if len(due) != 1 || due[0].ID != delivery.ID {
			t.Fatalf("expected the queued delivery to be due, got %d", len(due))
		}
	})

	t.Run("failed attempt reschedules", func(t *testing.T) {
		next := time.Now().UTC().Add(time.Minute)
		if err := db.MarkDeliveryFailed(delivery.ID, next, "connection refused", false); err != nil {
			t.Fatalf("MarkDeliveryFailed: %v", err)
		}
		due, _ := db.GetDueDeliveries(10)
		if len(due) != 0 {
			t.Errorf("rescheduled delivery should not be due yet, got %d", len(due))
		}
	})

	t.Run("exhausted attempt is terminal", func(t *testing.T) {
		if err := db.MarkDeliveryFailed(delivery.ID, time.Now().UTC(), "still failing", true); err != nil {
			t.Fatalf("MarkDeliveryFailed: %v", err)
		}
		due, _ := db.GetDueDeliveries(10)
		if len(due) != 0 {
			t.Errorf("failed delivery should never be due, got %d", len(due))
		}
	})
}
