package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

// GoogleCalendarConfig declares the Google Calendar service.
var GoogleCalendarConfig = &integration.ServiceConfig{
	Name:         "google_calendar",
	DisplayName:  "Google Calendar",
	Capabilities: []integration.Capability{integration.CapabilityCalendar},
	BaseURL:      "https://www.googleapis.com/calendar/v3",
	OAuth: integration.OAuthEndpoints{
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"https://www.googleapis.com/auth/calendar.events"},
	},
	RateLimits:      integration.RateLimits{PerMinute: 1000, PerHour: 0},
	SupportsRefresh: true,
	UsesPKCE:        true,
	SupportsWebhook: true,
}

const googleCalendarID = "primary"

// GoogleCalendar is the calendar adapter for Google Calendar.
type GoogleCalendar struct {
	client *restClient
}

// NewGoogleCalendar creates a Google Calendar adapter instance.
func NewGoogleCalendar(client *http.Client) integration.Adapter {
	return &GoogleCalendar{
		client: newRESTClient(GoogleCalendarConfig.Name, GoogleCalendarConfig.BaseURL, client, GoogleCalendarConfig.RateLimits),
	}
}

func (g *GoogleCalendar) Config() *integration.ServiceConfig { return GoogleCalendarConfig }

func (g *GoogleCalendar) Initialize(ctx context.Context) error { return nil }

func (g *GoogleCalendar) Authenticate(tok integration.Token) error {
	if tok.AccessToken == "" {
		return integration.AuthenticationError("google_calendar", "missing access token", nil)
	}
	g.client.setToken(tok.AccessToken)
	return nil
}

func (g *GoogleCalendar) TestConnection(ctx context.Context) error {
	var out json.RawMessage
	return g.client.do(ctx, http.MethodGet, "/calendars/"+googleCalendarID, nil, nil, &out)
}

type googleEventTime struct {
	Date     string `json:"date,omitempty"`     // all-day, YYYY-MM-DD
	DateTime string `json:"dateTime,omitempty"` // RFC 3339
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEvent struct {
	ID          string          `json:"id,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Status      string          `json:"status,omitempty"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
	Recurrence  []string        `json:"recurrence,omitempty"`
	Updated     time.Time       `json:"updated,omitempty"`
}

type googleEventList struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

func (g *GoogleCalendar) ListEvents(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalEvent, error) {
	var events []integration.ExternalEvent
	pageToken := ""

	for {
		query := url.Values{}
		query.Set("maxResults", "250")
		query.Set("showDeleted", "false")
		if modifiedSince != nil {
			query.Set("updatedMin", modifiedSince.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		var page googleEventList
		if err := g.client.do(ctx, http.MethodGet, g.eventsPath(""), query, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Items {
			if page.Items[i].Status == "cancelled" {
				continue
			}
			events = append(events, *externalFromGoogle(&page.Items[i]))
		}

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (g *GoogleCalendar) GetEvent(ctx context.Context, externalID string) (*integration.ExternalEvent, error) {
	var raw googleEvent
	if err := g.client.do(ctx, http.MethodGet, g.eventsPath(externalID), nil, nil, &raw); err != nil {
		return nil, err
	}
	return externalFromGoogle(&raw), nil
}

func (g *GoogleCalendar) CreateEvent(ctx context.Context, event *integration.Event) (*integration.ExternalEvent, error) {
	var raw googleEvent
	if err := g.client.do(ctx, http.MethodPost, g.eventsPath(""), nil, googleEventBody(event), &raw); err != nil {
		return nil, err
	}
	return externalFromGoogle(&raw), nil
}

func (g *GoogleCalendar) UpdateEvent(ctx context.Context, externalID string, event *integration.Event) (*integration.ExternalEvent, error) {
	var raw googleEvent
	if err := g.client.do(ctx, http.MethodPut, g.eventsPath(externalID), nil, googleEventBody(event), &raw); err != nil {
		return nil, err
	}
	return externalFromGoogle(&raw), nil
}

func (g *GoogleCalendar) DeleteEvent(ctx context.Context, externalID string) error {
	return g.client.do(ctx, http.MethodDelete, g.eventsPath(externalID), nil, nil, nil)
}

func (g *GoogleCalendar) ListTasks(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("google_calendar", "ListTasks")
}

func (g *GoogleCalendar) GetTask(ctx context.Context, externalID string) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("google_calendar", "GetTask")
}

func (g *GoogleCalendar) CreateTask(ctx context.Context, task *integration.Task) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("google_calendar", "CreateTask")
}

func (g *GoogleCalendar) UpdateTask(ctx context.Context, externalID string, task *integration.Task) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("google_calendar", "UpdateTask")
}

func (g *GoogleCalendar) DeleteTask(ctx context.Context, externalID string) error {
	return integration.UnsupportedError("google_calendar", "DeleteTask")
}

type googleWatchRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

type googleWatchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// RegisterWebhook opens a watch channel on the primary calendar. The
// returned id is "channelID/resourceID" because both halves are needed to
// stop the channel later.
func (g *GoogleCalendar) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	req := googleWatchRequest{
		ID:      uuid.New().String(),
		Type:    "web_hook",
		Address: callbackURL,
	}
	var resp googleWatchResponse
	if err := g.client.do(ctx, http.MethodPost, g.eventsPath("")+"/watch", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ID + "/" + resp.ResourceID, nil
}

func (g *GoogleCalendar) UnregisterWebhook(ctx context.Context, externalWebhookID string) error {
	channelID, resourceID, ok := strings.Cut(externalWebhookID, "/")
	if !ok {
		return integration.ValidationError("google_calendar", "malformed webhook id")
	}
	body := map[string]string{"id": channelID, "resourceId": resourceID}
	return g.client.do(ctx, http.MethodPost, "/channels/stop", nil, body, nil)
}

// ParseWebhook decodes a push notification. Google sends no body; the
// channel state rides in headers. The initial "sync" ping maps to an
// action the dispatcher ignores.
func (g *GoogleCalendar) ParseWebhook(body []byte, headers http.Header) (*integration.WebhookEvent, error) {
	state := headers.Get("X-Goog-Resource-State")
	if state == "" {
		return nil, integration.ValidationError("google_calendar", "missing X-Goog-Resource-State header")
	}

	var action string
	switch state {
	case "exists":
		action = "updated"
	case "not_exists":
		action = "deleted"
	case "sync":
		action = "sync"
	default:
		return nil, integration.ValidationError("google_calendar", "unhandled resource state "+state)
	}

	return &integration.WebhookEvent{
		Source:     "google_calendar",
		Type:       "event",
		Action:     action,
		ExternalID: headers.Get("X-Goog-Resource-ID"),
		Data: map[string]interface{}{
			"channel_id": headers.Get("X-Goog-Channel-ID"),
		},
	}, nil
}

func (g *GoogleCalendar) Disconnect(ctx context.Context) error {
	g.client.setToken("")
	return nil
}

func (g *GoogleCalendar) eventsPath(eventID string) string {
	path := "/calendars/" + googleCalendarID + "/events"
	if eventID != "" {
		path += "/" + url.PathEscape(eventID)
	}
	return path
}

func externalFromGoogle(ge *googleEvent) *integration.ExternalEvent {
	ext := &integration.ExternalEvent{
		ID:          ge.ID,
		Title:       ge.Summary,
		Description: ge.Description,
		Location:    ge.Location,
		ModifiedAt:  ge.Updated,
	}
	ext.StartTime, ext.AllDay = parseGoogleTime(ge.Start)
	ext.EndTime, _ = parseGoogleTime(ge.End)
	for _, rule := range ge.Recurrence {
		if strings.HasPrefix(rule, "RRULE:") {
			ext.Recurrence = strings.TrimPrefix(rule, "RRULE:")
			break
		}
	}
	return ext
}

func parseGoogleTime(gt googleEventTime) (time.Time, bool) {
	if gt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, gt.DateTime); err == nil {
			return t, false
		}
	}
	if gt.Date != "" {
		if t, err := time.Parse("2006-01-02", gt.Date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func googleEventBody(event *integration.Event) *googleEvent {
	ge := &googleEvent{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.AllDay {
		ge.Start = googleEventTime{Date: event.StartTime.Format("2006-01-02")}
		ge.End = googleEventTime{Date: event.EndTime.Format("2006-01-02")}
	} else {
		ge.Start = googleEventTime{DateTime: event.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		ge.End = googleEventTime{DateTime: event.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	if event.Recurrence != "" {
		ge.Recurrence = []string{"RRULE:" + strings.TrimPrefix(event.Recurrence, "RRULE:")}
	}
	return ge
}
