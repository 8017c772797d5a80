package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

func newTestGoogle(t *testing.T, handler http.Handler) *GoogleCalendar {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter := &GoogleCalendar{
		client: newRESTClient("google_calendar", server.URL, server.Client(), GoogleCalendarConfig.RateLimits),
	}
	if err := adapter.Authenticate(integration.Token{AccessToken: "tok"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return adapter
}

func TestGoogleListEventsPagination(t *testing.T) {
	adapter := newTestGoogle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("updatedMin") == "" {
			t.Error("expected updatedMin for incremental fetch")
		}

		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]interface{}{
					{
						"id":      "evt-1",
						"summary": "Standup",
						"start":   map[string]string{"dateTime": "2024-03-01T10:00:00Z"},
						"end":     map[string]string{"dateTime": "2024-03-01T10:30:00Z"},
						"updated": "2024-02-28T12:00:00Z",
					},
					{
						"id":      "evt-gone",
						"status":  "cancelled",
						"start":   map[string]string{"dateTime": "2024-03-01T11:00:00Z"},
						"end":     map[string]string{"dateTime": "2024-03-01T12:00:00Z"},
						"updated": "2024-02-28T12:00:00Z",
					},
				},
				"nextPageToken": "page-2",
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"id":         "evt-2",
					"summary":    "Offsite",
					"start":      map[string]string{"date": "2024-03-05"},
					"end":        map[string]string{"date": "2024-03-06"},
					"updated":    "2024-02-28T12:00:00Z",
					"recurrence": []string{"RRULE:FREQ=YEARLY"},
				},
			},
		})
	}))

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	events, err := adapter.ListEvents(context.Background(), &since)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (cancelled skipped), got %d", len(events))
	}

	if events[0].ID != "evt-1" || events[0].AllDay {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if !events[1].AllDay {
		t.Error("date-only event should be all-day")
	}
	if events[1].Recurrence != "FREQ=YEARLY" {
		t.Errorf("RRULE prefix should be stripped, got %q", events[1].Recurrence)
	}
}

func TestGoogleWebhookChannel(t *testing.T) {
	var stopped bool
	adapter := newTestGoogle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calendars/primary/events/watch":
			var req googleWatchRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Type != "web_hook" || req.Address != "https://hooks.example.com/cb" {
				t.Errorf("unexpected watch request: %+v", req)
			}
			json.NewEncoder(w).Encode(googleWatchResponse{ID: req.ID, ResourceID: "res-9"})
		case "/channels/stop":
			stopped = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	id, err := adapter.RegisterWebhook(context.Background(), "https://hooks.example.com/cb")
	if err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if err := adapter.UnregisterWebhook(context.Background(), id); err != nil {
		t.Fatalf("UnregisterWebhook: %v", err)
	}
	if !stopped {
		t.Error("expected channel stop call")
	}
}

func TestGoogleParseWebhook(t *testing.T) {
	adapter := NewGoogleCalendar(nil)

	headers := http.Header{}
	headers.Set("X-Goog-Resource-State", "exists")
	headers.Set("X-Goog-Resource-ID", "res-9")
	headers.Set("X-Goog-Channel-ID", "chan-1")

	event, err := adapter.ParseWebhook(nil, headers)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Action != "updated" || event.ExternalID != "res-9" || event.Type != "event" {
		t.Errorf("unexpected event: %+v", event)
	}

	t.Run("missing state header", func(t *testing.T) {
		if _, err := adapter.ParseWebhook(nil, http.Header{}); !integration.IsKind(err, integration.KindValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("initial sync ping", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Goog-Resource-State", "sync")
		event, err := adapter.ParseWebhook(nil, headers)
		if err != nil {
			t.Fatalf("ParseWebhook: %v", err)
		}
		if event.Action != "sync" {
			t.Errorf("expected sync action, got %q", event.Action)
		}
	})
}

func TestGoogleTasksUnsupported(t *testing.T) {
	adapter := NewGoogleCalendar(nil)
	if _, err := adapter.ListTasks(context.Background(), nil); !integration.IsKind(err, integration.KindUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
