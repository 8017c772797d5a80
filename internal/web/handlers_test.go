package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dayflowhq/dayflow-sync/internal/audit"
	"github.com/dayflowhq/dayflow-sync/internal/config"
	"github.com/dayflowhq/dayflow-sync/internal/crypto"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/oauth"
	"github.com/dayflowhq/dayflow-sync/internal/sync"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
	"github.com/dayflowhq/dayflow-sync/internal/validator"
	"github.com/dayflowhq/dayflow-sync/internal/webhook"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// stubAdapter is a minimal basic-auth service for exercising the HTTP
// surface end to end.
type stubAdapter struct {
	cfg   *integration.ServiceConfig
	tasks []integration.ExternalTask
}

func (s *stubAdapter) Config() *integration.ServiceConfig       { return s.cfg }
func (s *stubAdapter) Initialize(ctx context.Context) error     { return nil }
func (s *stubAdapter) Authenticate(tok integration.Token) error { return nil }
func (s *stubAdapter) TestConnection(ctx context.Context) error { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error     { return nil }

func (s *stubAdapter) ListTasks(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalTask, error) {
	return s.tasks, nil
}

func (s *stubAdapter) GetTask(ctx context.Context, externalID string) (*integration.ExternalTask, error) {
	for i := range s.tasks {
		if s.tasks[i].ID == externalID {
			return &s.tasks[i], nil
		}
	}
	return nil, integration.APIError(s.cfg.Name, "resource not found", nil)
}

func (s *stubAdapter) CreateTask(ctx context.Context, task *integration.Task) (*integration.ExternalTask, error) {
	return &integration.ExternalTask{ID: "ext-new", Title: task.Title, ModifiedAt: time.Now().UTC()}, nil
}

func (s *stubAdapter) UpdateTask(ctx context.Context, externalID string, task *integration.Task) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError(s.cfg.Name, "update_task")
}

func (s *stubAdapter) DeleteTask(ctx context.Context, externalID string) error {
	return integration.UnsupportedError(s.cfg.Name, "delete_task")
}

func (s *stubAdapter) ListEvents(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalEvent, error) {
	return nil, nil
}

func (s *stubAdapter) GetEvent(ctx context.Context, externalID string) (*integration.ExternalEvent, error) {
	return nil, integration.APIError(s.cfg.Name, "resource not found", nil)
}

func (s *stubAdapter) CreateEvent(ctx context.Context, event *integration.Event) (*integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError(s.cfg.Name, "create_event")
}

func (s *stubAdapter) UpdateEvent(ctx context.Context, externalID string, event *integration.Event) (*integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError(s.cfg.Name, "update_event")
}

func (s *stubAdapter) DeleteEvent(ctx context.Context, externalID string) error {
	return integration.UnsupportedError(s.cfg.Name, "delete_event")
}

func (s *stubAdapter) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	return "stub-hook-1", nil
}

func (s *stubAdapter) UnregisterWebhook(ctx context.Context, externalWebhookID string) error {
	return nil
}

func (s *stubAdapter) ParseWebhook(body []byte, headers http.Header) (*integration.WebhookEvent, error) {
	var event integration.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, integration.ValidationError(s.cfg.Name, "unparseable payload")
	}
	event.Source = s.cfg.Name
	return &event, nil
}

func setupWebTest(t *testing.T) (*gin.Engine, *db.DB, *stubAdapter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	adapter := &stubAdapter{
		cfg: &integration.ServiceConfig{
			Name:            "fake",
			DisplayName:     "Fake",
			Capabilities:    []integration.Capability{integration.CapabilityTasks},
			SupportsWebhook: true,
			UsesBasicAuth:   true,
		},
	}
	registry := integration.NewRegistry()
	registry.Register(adapter.cfg, func(client *http.Client) integration.Adapter {
		return adapter
	})

	transformer := transform.NewTransformer()
	transformer.Register(&transform.Vocabulary{
		Service: "fake",
		StatusIn: map[string]integration.TaskStatus{
			"open": integration.TaskStatusPending,
			"done": integration.TaskStatusCompleted,
		},
		StatusOut: map[integration.TaskStatus]string{
			integration.TaskStatusPending:   "open",
			integration.TaskStatusCompleted: "done",
		},
		PriorityIn:  map[string]integration.TaskPriority{},
		PriorityOut: map[integration.TaskPriority]string{},
	})

	encryptor, err := crypto.NewEncryptor(testEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	oauthManager := oauth.NewManager(database, encryptor, registry, nil, nil, audit.NopSink{})

	engine := sync.NewEngine(database, registry, transformer, oauthManager, audit.NopSink{}, nil, nil)
	t.Cleanup(engine.Wait)
	scheduler := sync.NewScheduler(database, engine)
	webhooks := webhook.NewManager(database, registry, engine, validator.New(), audit.NopSink{})

	cfg := &config.Config{}
	cfg.RateLimiting = config.RateLimitConfig{RPS: 1000, Burst: 1000}
	cfg.Sync = config.SyncConfig{DefaultInterval: 900, MinInterval: 60, MaxInterval: 86400}

	h := NewHandlers(database, oauthManager, engine, scheduler, webhooks, registry, cfg.Sync)
	router := gin.New()
	SetupRoutes(router, h, cfg)
	return router, database, adapter
}

func doJSON(t *testing.T, router *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func connectFake(t *testing.T, router *gin.Engine, userID string) *db.UserIntegration {
	t.Helper()

	w := doJSON(t, router, http.MethodPost, "/api/services/fake/connect", userID, gin.H{
		"username": "alice",
		"password": "secret",
		"endpoint": "https://fake.example.com/dav",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Connect returned %d: %s", w.Code, w.Body.String())
	}

	var ui db.UserIntegration
	decodeJSON(t, w, &ui)
	return &ui
}

func TestIdentityRequired(t *testing.T) {
	router, _, _ := setupWebTest(t)

	w := doJSON(t, router, http.MethodGet, "/api/integrations", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without identity header, got %d", w.Code)
	}
}

func TestConnectAndListIntegrations(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")
	if ui.Service != "fake" || !ui.Enabled {
		t.Errorf("Unexpected integration %+v", ui)
	}

	var listed struct {
		Integrations []db.UserIntegration `json:"integrations"`
	}
	w := doJSON(t, router, http.MethodGet, "/api/integrations", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List returned %d", w.Code)
	}
	decodeJSON(t, w, &listed)
	if len(listed.Integrations) != 1 {
		t.Fatalf("Expected 1 integration, got %d", len(listed.Integrations))
	}

	// Another user sees nothing.
	w = doJSON(t, router, http.MethodGet, "/api/integrations", "user-2", nil)
	decodeJSON(t, w, &listed)
	if len(listed.Integrations) != 0 {
		t.Errorf("Expected empty list for other user, got %d", len(listed.Integrations))
	}
}

func TestConnectRequiresCredentials(t *testing.T) {
	router, _, _ := setupWebTest(t)

	w := doJSON(t, router, http.MethodPost, "/api/services/fake/connect", "user-1", gin.H{
		"username": "alice",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing credentials, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/services/unknown/connect", "user-1", gin.H{})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown service, got %d", w.Code)
	}
}

func TestIntegrationOwnershipHidden(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodGet, "/api/integrations/"+ui.ID, "user-2", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign integration, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/integrations/"+ui.ID, "user-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for owner, got %d", w.Code)
	}
}

func TestUpdateIntegrationSettings(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodPut, "/api/integrations/"+ui.ID, "user-1", gin.H{
		"sync_interval": 10,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for interval below minimum, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPut, "/api/integrations/"+ui.ID, "user-1", gin.H{
		"conflict_resolution": "bogus",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid resolution, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPut, "/api/integrations/"+ui.ID, "user-1", gin.H{
		"sync_interval":       600,
		"conflict_resolution": "latest",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Update returned %d: %s", w.Code, w.Body.String())
	}

	var updated db.UserIntegration
	decodeJSON(t, w, &updated)
	if updated.SyncInterval != 600 || updated.ConflictResolution != db.ResolutionLatest {
		t.Errorf("Settings not applied: %+v", updated)
	}
}

func TestTriggerSyncRunsJob(t *testing.T) {
	router, _, adapter := setupWebTest(t)
	adapter.tasks = []integration.ExternalTask{
		{ID: "ext-1", Title: "Review launch checklist", Status: "open", ModifiedAt: time.Now().UTC()},
	}

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodPost, "/api/integrations/"+ui.ID+"/sync", "user-1", gin.H{
		"kind": "full_sync",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Trigger returned %d: %s", w.Code, w.Body.String())
	}

	var job db.SyncJob
	decodeJSON(t, w, &job)
	if job.ID == "" {
		t.Fatal("Expected job id in response")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID, "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Job poll returned %d", w.Code)
		}
		decodeJSON(t, w, &job)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job %s did not finish, status %s", job.ID, job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if job.Status != db.JobStatusCompleted {
		t.Errorf("Expected completed job, got %s (%s)", job.Status, job.Errors)
	}
	if job.Created != 1 {
		t.Errorf("Expected 1 created item, got %d", job.Created)
	}
}

func TestTriggerSyncRejectsInvalidKind(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodPost, "/api/integrations/"+ui.ID+"/sync", "user-1", gin.H{
		"kind": "everything",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid kind, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterWebhookEndpoint(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodPost, "/api/integrations/"+ui.ID+"/webhooks", "user-1", gin.H{
		"url": "http://hooks.example.com/dayflow",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for plain-http target, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/integrations/"+ui.ID+"/webhooks", "user-1", gin.H{
		"url":    "https://hooks.example.com/dayflow",
		"events": []string{"task.*"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Register returned %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Registration db.WebhookRegistration `json:"registration"`
		Secret       string                 `json:"secret"`
	}
	decodeJSON(t, w, &created)
	if created.Secret == "" {
		t.Error("Expected signing secret in creation response")
	}
	if created.Registration.ExternalWebhookID != "stub-hook-1" {
		t.Errorf("Expected vendor subscription id, got %q", created.Registration.ExternalWebhookID)
	}

	// The secret never appears again.
	var listed struct {
		Webhooks []db.WebhookRegistration `json:"webhooks"`
	}
	w = doJSON(t, router, http.MethodGet, "/api/integrations/"+ui.ID+"/webhooks", "user-1", nil)
	decodeJSON(t, w, &listed)
	if len(listed.Webhooks) != 1 {
		t.Fatalf("Expected 1 registration, got %d", len(listed.Webhooks))
	}
}

func TestInboundWebhookNeedsNoIdentity(t *testing.T) {
	router, _, _ := setupWebTest(t)

	w := doJSON(t, router, http.MethodPost, "/webhooks/fake", "", gin.H{
		"type":        "task",
		"action":      "updated",
		"external_id": "ext-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Inbound webhook returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/webhooks/unknown", "", gin.H{})
	if w.Code == http.StatusOK {
		t.Error("Expected failure for unknown service")
	}
}

func TestDisconnectIntegration(t *testing.T) {
	router, _, _ := setupWebTest(t)

	ui := connectFake(t, router, "user-1")

	w := doJSON(t, router, http.MethodDelete, "/api/integrations/"+ui.ID, "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Disconnect returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/integrations/"+ui.ID, "user-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after disconnect, got %d", w.Code)
	}
}
