package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
)

// TodoistConfig declares the Todoist service. Tokens are long-lived, so
// refresh is a no-op; webhooks are delivered to the app-level callback URL.
var TodoistConfig = &integration.ServiceConfig{
	Name:         "todoist",
	DisplayName:  "Todoist",
	Capabilities: []integration.Capability{integration.CapabilityTasks},
	BaseURL:      "https://api.todoist.com/rest/v2",
	OAuth: integration.OAuthEndpoints{
		AuthURL:  "https://todoist.com/oauth/authorize",
		TokenURL: "https://todoist.com/oauth/access_token",
		Scopes:   []string{"data:read_write", "data:delete"},
	},
	RateLimits:      integration.RateLimits{PerMinute: 60, PerHour: 1000},
	SupportsRefresh: false,
	UsesPKCE:        false,
	SupportsWebhook: true,
}

// TodoistVocabulary maps the vendor's completed flag and 1-4 priority scale
// onto the canonical vocabulary. Todoist priority 4 is the most urgent.
var TodoistVocabulary = &transform.Vocabulary{
	Service: "todoist",
	StatusIn: map[string]integration.TaskStatus{
		"active":    integration.TaskStatusPending,
		"completed": integration.TaskStatusCompleted,
	},
	StatusOut: map[integration.TaskStatus]string{
		integration.TaskStatusPending:    "active",
		integration.TaskStatusInProgress: "active",
		integration.TaskStatusCompleted:  "completed",
		integration.TaskStatusCancelled:  "completed",
	},
	PriorityIn: map[string]integration.TaskPriority{
		"1": integration.PriorityLow,
		"2": integration.PriorityMedium,
		"3": integration.PriorityHigh,
		"4": integration.PriorityUrgent,
	},
	PriorityOut: map[integration.TaskPriority]string{
		integration.PriorityLow:    "1",
		integration.PriorityMedium: "2",
		integration.PriorityHigh:   "3",
		integration.PriorityUrgent: "4",
	},
}

// Todoist is the task-management adapter for Todoist.
type Todoist struct {
	client *restClient
}

// NewTodoist creates a Todoist adapter instance.
func NewTodoist(client *http.Client) integration.Adapter {
	return &Todoist{
		client: newRESTClient(TodoistConfig.Name, TodoistConfig.BaseURL, client, TodoistConfig.RateLimits),
	}
}

func (t *Todoist) Config() *integration.ServiceConfig { return TodoistConfig }

func (t *Todoist) Initialize(ctx context.Context) error { return nil }

func (t *Todoist) Authenticate(tok integration.Token) error {
	if tok.AccessToken == "" {
		return integration.AuthenticationError("todoist", "missing access token", nil)
	}
	t.client.setToken(tok.AccessToken)
	return nil
}

func (t *Todoist) TestConnection(ctx context.Context) error {
	var projects []json.RawMessage
	return t.client.do(ctx, http.MethodGet, "/projects", nil, nil, &projects)
}

type todoistDue struct {
	Date     string `json:"date,omitempty"`
	Datetime string `json:"datetime,omitempty"`
}

type todoistTask struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Description string      `json:"description"`
	Priority    int         `json:"priority"`
	Due         *todoistDue `json:"due"`
	Labels      []string    `json:"labels"`
	IsCompleted bool        `json:"is_completed"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (t *Todoist) ListTasks(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalTask, error) {
	var raw []todoistTask
	if err := t.client.do(ctx, http.MethodGet, "/tasks", nil, nil, &raw); err != nil {
		return nil, err
	}

	tasks := make([]integration.ExternalTask, 0, len(raw))
	for _, rt := range raw {
		ext := externalFromTodoist(&rt)
		// The REST API has no modified-since filter; drop unchanged tasks
		// here so incremental syncs stay cheap downstream.
		if modifiedSince != nil && ext.ModifiedAt.Before(*modifiedSince) {
			continue
		}
		tasks = append(tasks, *ext)
	}
	return tasks, nil
}

func (t *Todoist) GetTask(ctx context.Context, externalID string) (*integration.ExternalTask, error) {
	var raw todoistTask
	if err := t.client.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(externalID), nil, nil, &raw); err != nil {
		return nil, err
	}
	return externalFromTodoist(&raw), nil
}

func (t *Todoist) CreateTask(ctx context.Context, task *integration.Task) (*integration.ExternalTask, error) {
	body := todoistTaskBody(task)
	var raw todoistTask
	if err := t.client.do(ctx, http.MethodPost, "/tasks", nil, body, &raw); err != nil {
		return nil, err
	}
	if task.Status == integration.TaskStatusCompleted || task.Status == integration.TaskStatusCancelled {
		if err := t.client.do(ctx, http.MethodPost, "/tasks/"+raw.ID+"/close", nil, nil, nil); err != nil {
			return nil, err
		}
		raw.IsCompleted = true
	}
	return externalFromTodoist(&raw), nil
}

func (t *Todoist) UpdateTask(ctx context.Context, externalID string, task *integration.Task) (*integration.ExternalTask, error) {
	body := todoistTaskBody(task)
	var raw todoistTask
	path := "/tasks/" + url.PathEscape(externalID)
	if err := t.client.do(ctx, http.MethodPost, path, nil, body, &raw); err != nil {
		return nil, err
	}

	wantClosed := task.Status == integration.TaskStatusCompleted || task.Status == integration.TaskStatusCancelled
	if wantClosed != raw.IsCompleted {
		action := "/close"
		if !wantClosed {
			action = "/reopen"
		}
		if err := t.client.do(ctx, http.MethodPost, path+action, nil, nil, nil); err != nil {
			return nil, err
		}
		raw.IsCompleted = wantClosed
	}
	return externalFromTodoist(&raw), nil
}

func (t *Todoist) DeleteTask(ctx context.Context, externalID string) error {
	return t.client.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(externalID), nil, nil, nil)
}

func (t *Todoist) ListEvents(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError("todoist", "ListEvents")
}

func (t *Todoist) GetEvent(ctx context.Context, externalID string) (*integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError("todoist", "GetEvent")
}

func (t *Todoist) CreateEvent(ctx context.Context, event *integration.Event) (*integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError("todoist", "CreateEvent")
}

func (t *Todoist) UpdateEvent(ctx context.Context, externalID string, event *integration.Event) (*integration.ExternalEvent, error) {
	return nil, integration.UnsupportedError("todoist", "UpdateEvent")
}

func (t *Todoist) DeleteEvent(ctx context.Context, externalID string) error {
	return integration.UnsupportedError("todoist", "DeleteEvent")
}

// RegisterWebhook returns a local subscription id. Todoist delivers all
// notifications to the OAuth app's configured callback URL, so there is no
// per-user registration call to make.
func (t *Todoist) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	return uuid.New().String(), nil
}

func (t *Todoist) UnregisterWebhook(ctx context.Context, externalWebhookID string) error {
	return nil
}

type todoistWebhookPayload struct {
	EventName string `json:"event_name"`
	EventData struct {
		ID string `json:"id"`
	} `json:"event_data"`
}

// ParseWebhook maps Todoist "item:*" notifications onto canonical webhook
// events. Signature verification happens upstream; this only decodes.
func (t *Todoist) ParseWebhook(body []byte, headers http.Header) (*integration.WebhookEvent, error) {
	var payload todoistWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, integration.ValidationError("todoist", "malformed webhook payload")
	}

	var action string
	switch payload.EventName {
	case "item:added":
		action = "created"
	case "item:updated", "item:completed", "item:uncompleted":
		action = "updated"
	case "item:deleted":
		action = "deleted"
	default:
		return nil, integration.ValidationError("todoist", fmt.Sprintf("unhandled event %q", payload.EventName))
	}

	return &integration.WebhookEvent{
		Source:     "todoist",
		Type:       "task",
		Action:     action,
		ExternalID: payload.EventData.ID,
	}, nil
}

func (t *Todoist) Disconnect(ctx context.Context) error {
	t.client.setToken("")
	return nil
}

func externalFromTodoist(rt *todoistTask) *integration.ExternalTask {
	status := "active"
	if rt.IsCompleted {
		status = "completed"
	}
	ext := &integration.ExternalTask{
		ID:          rt.ID,
		Title:       rt.Content,
		Description: rt.Description,
		Status:      status,
		Priority:    fmt.Sprintf("%d", rt.Priority),
		Tags:        rt.Labels,
		ModifiedAt:  rt.CreatedAt,
	}
	if rt.Due != nil {
		if due := parseTodoistDue(rt.Due); due != nil {
			ext.DueDate = due
		}
	}
	return ext
}

func parseTodoistDue(due *todoistDue) *time.Time {
	if due.Datetime != "" {
		if t, err := time.Parse(time.RFC3339, due.Datetime); err == nil {
			return &t
		}
	}
	if due.Date != "" {
		if t, err := time.Parse("2006-01-02", due.Date); err == nil {
			return &t
		}
	}
	return nil
}

func todoistTaskBody(task *integration.Task) map[string]interface{} {
	body := map[string]interface{}{
		"content":     task.Title,
		"description": task.Description,
		"priority":    todoistPriority(task.Priority),
	}
	if len(task.Tags) > 0 {
		body["labels"] = task.Tags
	}
	if task.DueDate != nil {
		body["due_datetime"] = task.DueDate.UTC().Format(time.RFC3339)
	}
	return body
}

func todoistPriority(p integration.TaskPriority) int {
	switch p {
	case integration.PriorityUrgent:
		return 4
	case integration.PriorityHigh:
		return 3
	case integration.PriorityLow:
		return 1
	default:
		return 2
	}
}
