package adapters

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/emersion/go-webdav/caldav"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

func TestCalDAVEventRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	event := &integration.Event{
		Title:       "Dentist",
		Description: "bring insurance card",
		Location:    "Main St 12",
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		Recurrence:  "FREQ=MONTHLY",
	}

	cal := calendarFromEvent("uid-1", event)
	obj := &caldav.CalendarObject{Path: "/calendars/home/uid-1.ics", Data: cal}

	ext, ok := externalFromObject(obj)
	if !ok {
		t.Fatal("expected parsable VEVENT")
	}
	if ext.ID != "uid-1" || ext.Title != "Dentist" || ext.Location != "Main St 12" {
		t.Errorf("unexpected event: %+v", ext)
	}
	if !ext.StartTime.Equal(start) || !ext.EndTime.Equal(start.Add(time.Hour)) {
		t.Errorf("time mismatch: %v - %v", ext.StartTime, ext.EndTime)
	}
	if ext.Recurrence != "FREQ=MONTHLY" {
		t.Errorf("unexpected recurrence %q", ext.Recurrence)
	}
	if ext.AllDay {
		t.Error("timed event marked all-day")
	}
}

func TestCalDAVAllDayEvent(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	event := &integration.Event{
		Title:     "Offsite",
		StartTime: day,
		EndTime:   day.Add(24 * time.Hour),
		AllDay:    true,
	}

	cal := calendarFromEvent("uid-2", event)
	ext, ok := externalFromObject(&caldav.CalendarObject{Data: cal})
	if !ok {
		t.Fatal("expected parsable VEVENT")
	}
	if !ext.AllDay {
		t.Error("expected all-day event")
	}
}

func TestCalDAVRequiresCredentials(t *testing.T) {
	adapter := NewCalDAV(nil)

	if err := adapter.Authenticate(integration.Token{Username: "user"}); !integration.IsKind(err, integration.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if err := adapter.TestConnection(context.Background()); !integration.IsKind(err, integration.KindAuthentication) {
		t.Fatalf("expected authentication error before credentials, got %v", err)
	}
}

func TestCalDAVUnsupportedOperations(t *testing.T) {
	adapter := NewCalDAV(nil)

	if _, err := adapter.ListTasks(context.Background(), nil); !integration.IsKind(err, integration.KindUnsupported) {
		t.Errorf("ListTasks: expected unsupported, got %v", err)
	}
	if _, err := adapter.RegisterWebhook(context.Background(), "https://x"); !integration.IsKind(err, integration.KindUnsupported) {
		t.Errorf("RegisterWebhook: expected unsupported, got %v", err)
	}
	if _, err := adapter.ParseWebhook(nil, http.Header{}); !integration.IsKind(err, integration.KindUnsupported) {
		t.Errorf("ParseWebhook: expected unsupported, got %v", err)
	}
}
