package adapters

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

// CalDAVConfig declares the generic CalDAV service (iCloud, Fastmail,
// Nextcloud, self-hosted). No OAuth, no webhooks, and no published request
// quotas; the endpoint comes from the user at connect time.
var CalDAVConfig = &integration.ServiceConfig{
	Name:            "caldav",
	DisplayName:     "CalDAV",
	Capabilities:    []integration.Capability{integration.CapabilityCalendar},
	RateLimits:      integration.RateLimits{},
	SupportsRefresh: false,
	SupportsWebhook: false,
	UsesBasicAuth:   true,
}

// CalDAV is the calendar adapter for basic-auth CalDAV servers.
type CalDAV struct {
	httpClient   *http.Client
	retry        *integration.RetryHandler
	username     string
	password     string
	endpoint     string
	caldavClient *caldav.Client
	calendarPath string
}

// NewCalDAV creates a CalDAV adapter instance.
func NewCalDAV(client *http.Client) integration.Adapter {
	if client == nil {
		client = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &CalDAV{
		httpClient: client,
		retry:      integration.NewRetryHandler(0, 0, integration.BackoffExponential),
	}
}

func (c *CalDAV) Config() *integration.ServiceConfig { return CalDAVConfig }

func (c *CalDAV) Initialize(ctx context.Context) error { return nil }

// Authenticate stores credentials and builds the WebDAV client. For CalDAV
// the access token carries the account password.
func (c *CalDAV) Authenticate(tok integration.Token) error {
	if tok.Username == "" || tok.AccessToken == "" || tok.Endpoint == "" {
		return integration.AuthenticationError("caldav", "username, password, and endpoint are required", nil)
	}
	c.username = tok.Username
	c.password = tok.AccessToken
	c.endpoint = tok.Endpoint

	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(c.httpClient, c.username, c.password),
		c.endpoint,
	)
	if err != nil {
		return integration.NewError(integration.KindNetwork, "caldav", "failed to create client", err)
	}
	c.caldavClient = client
	c.calendarPath = ""
	return nil
}

func (c *CalDAV) TestConnection(ctx context.Context) error {
	if c.caldavClient == nil {
		return integration.AuthenticationError("caldav", "not authenticated", nil)
	}
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return integration.AuthenticationError("caldav", "principal lookup failed", err)
	}
	return nil
}

// calendar discovers and caches the first calendar collection.
func (c *CalDAV) calendar(ctx context.Context) (string, error) {
	if c.caldavClient == nil {
		return "", integration.AuthenticationError("caldav", "not authenticated", nil)
	}
	if c.calendarPath != "" {
		return c.calendarPath, nil
	}

	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", integration.NetworkError("caldav", err)
	}
	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", integration.NetworkError("caldav", err)
	}
	calendars, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", integration.NetworkError("caldav", err)
	}
	if len(calendars) == 0 {
		return "", integration.APIError("caldav", "no calendars found", nil)
	}

	c.calendarPath = calendars[0].Path
	return c.calendarPath, nil
}

func (c *CalDAV) ListEvents(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalEvent, error) {
	path, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{Name: "VEVENT"}},
		},
	}

	var objects []caldav.CalendarObject
	err = c.retry.Do(ctx, func() error {
		var qerr error
		objects, qerr = c.caldavClient.QueryCalendar(ctx, path, query)
		if qerr != nil {
			return integration.NetworkError("caldav", qerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]integration.ExternalEvent, 0, len(objects))
	for i := range objects {
		ext, ok := externalFromObject(&objects[i])
		if !ok {
			continue
		}
		// Servers without sync-token support get filtered client-side.
		if modifiedSince != nil && !ext.ModifiedAt.IsZero() && ext.ModifiedAt.Before(*modifiedSince) {
			continue
		}
		events = append(events, *ext)
	}
	return events, nil
}

func (c *CalDAV) GetEvent(ctx context.Context, externalID string) (*integration.ExternalEvent, error) {
	path, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	obj, err := c.caldavClient.GetCalendarObject(ctx, c.objectPath(path, externalID))
	if err != nil {
		return nil, integration.APIError("caldav", "failed to fetch event", err)
	}
	ext, ok := externalFromObject(obj)
	if !ok {
		return nil, integration.APIError("caldav", "object has no parsable VEVENT", nil)
	}
	return ext, nil
}

func (c *CalDAV) CreateEvent(ctx context.Context, event *integration.Event) (*integration.ExternalEvent, error) {
	path, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	uid := uuid.New().String()
	cal := calendarFromEvent(uid, event)

	err = c.retry.Do(ctx, func() error {
		_, perr := c.caldavClient.PutCalendarObject(ctx, c.objectPath(path, uid), cal)
		if perr != nil {
			return integration.NetworkError("caldav", perr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ext := externalFromEvent(uid, event)
	return ext, nil
}

func (c *CalDAV) UpdateEvent(ctx context.Context, externalID string, event *integration.Event) (*integration.ExternalEvent, error) {
	path, err := c.calendar(ctx)
	if err != nil {
		return nil, err
	}

	cal := calendarFromEvent(externalID, event)
	err = c.retry.Do(ctx, func() error {
		_, perr := c.caldavClient.PutCalendarObject(ctx, c.objectPath(path, externalID), cal)
		if perr != nil {
			return integration.NetworkError("caldav", perr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return externalFromEvent(externalID, event), nil
}

func (c *CalDAV) DeleteEvent(ctx context.Context, externalID string) error {
	path, err := c.calendar(ctx)
	if err != nil {
		return err
	}
	if err := c.caldavClient.RemoveAll(ctx, c.objectPath(path, externalID)); err != nil {
		return integration.APIError("caldav", "failed to delete event", err)
	}
	return nil
}

func (c *CalDAV) ListTasks(ctx context.Context, modifiedSince *time.Time) ([]integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("caldav", "ListTasks")
}

func (c *CalDAV) GetTask(ctx context.Context, externalID string) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("caldav", "GetTask")
}

func (c *CalDAV) CreateTask(ctx context.Context, task *integration.Task) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("caldav", "CreateTask")
}

func (c *CalDAV) UpdateTask(ctx context.Context, externalID string, task *integration.Task) (*integration.ExternalTask, error) {
	return nil, integration.UnsupportedError("caldav", "UpdateTask")
}

func (c *CalDAV) DeleteTask(ctx context.Context, externalID string) error {
	return integration.UnsupportedError("caldav", "DeleteTask")
}

func (c *CalDAV) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	return "", integration.UnsupportedError("caldav", "RegisterWebhook")
}

func (c *CalDAV) UnregisterWebhook(ctx context.Context, externalWebhookID string) error {
	return integration.UnsupportedError("caldav", "UnregisterWebhook")
}

func (c *CalDAV) ParseWebhook(body []byte, headers http.Header) (*integration.WebhookEvent, error) {
	return nil, integration.UnsupportedError("caldav", "ParseWebhook")
}

func (c *CalDAV) Disconnect(ctx context.Context) error {
	c.caldavClient = nil
	c.password = ""
	c.calendarPath = ""
	return nil
}

func (c *CalDAV) objectPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
}

// externalFromObject maps the first VEVENT of a calendar object onto the
// canonical shape. Objects without a parsable VEVENT are skipped rather
// than failing the whole fetch; CalDAV servers routinely hold corrupted
// items.
func externalFromObject(obj *caldav.CalendarObject) (*integration.ExternalEvent, bool) {
	if obj.Data == nil {
		return nil, false
	}
	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, false
	}
	evt := events[0]

	ext := &integration.ExternalEvent{}
	if uid, err := evt.Props.Text(ical.PropUID); err == nil {
		ext.ID = uid
	}
	if ext.ID == "" {
		return nil, false
	}
	if summary, err := evt.Props.Text(ical.PropSummary); err == nil {
		ext.Title = summary
	}
	if desc, err := evt.Props.Text(ical.PropDescription); err == nil {
		ext.Description = desc
	}
	if loc, err := evt.Props.Text(ical.PropLocation); err == nil {
		ext.Location = loc
	}

	if start, err := evt.DateTimeStart(time.UTC); err == nil {
		ext.StartTime = start
	}
	if end, err := evt.DateTimeEnd(time.UTC); err == nil {
		ext.EndTime = end
	}
	if dtstart := evt.Props.Get(ical.PropDateTimeStart); dtstart != nil {
		ext.AllDay = dtstart.ValueType() == ical.ValueDate
	}
	if rrule := evt.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		ext.Recurrence = rrule.Value
	}
	if modified, err := evt.Props.DateTime(ical.PropLastModified, time.UTC); err == nil {
		ext.ModifiedAt = modified
	}

	return ext, true
}

// calendarFromEvent builds a VCALENDAR wrapping one VEVENT.
func calendarFromEvent(uid string, event *integration.Event) *ical.Calendar {
	now := time.Now().UTC()

	evt := ical.NewEvent()
	evt.Props.SetText(ical.PropUID, uid)
	evt.Props.SetText(ical.PropSummary, event.Title)
	evt.Props.SetDateTime(ical.PropDateTimeStamp, now)
	evt.Props.SetDateTime(ical.PropLastModified, now)
	if event.Description != "" {
		evt.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		evt.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.AllDay {
		evt.Props.Set(dateProp(ical.PropDateTimeStart, event.StartTime))
		evt.Props.Set(dateProp(ical.PropDateTimeEnd, event.EndTime))
	} else {
		evt.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
		evt.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())
	}
	if event.Recurrence != "" {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = strings.TrimPrefix(event.Recurrence, "RRULE:")
		evt.Props.Set(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Dayflow//dayflow-sync//EN")
	cal.Children = append(cal.Children, evt.Component)
	return cal
}

func dateProp(name string, t time.Time) *ical.Prop {
	prop := ical.NewProp(name)
	prop.SetValueType(ical.ValueDate)
	prop.Value = t.Format("20060102")
	return prop
}

func externalFromEvent(uid string, event *integration.Event) *integration.ExternalEvent {
	return &integration.ExternalEvent{
		ID:          uid,
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		StartTime:   event.StartTime,
		EndTime:     event.EndTime,
		AllDay:      event.AllDay,
		Recurrence:  event.Recurrence,
		ModifiedAt:  time.Now().UTC(),
	}
}
