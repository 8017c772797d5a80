// Package audit records security-relevant actions: authentication
// attempts, sync runs, and configuration changes. Sinks are fire-and-forget
// so a slow audit backend never stalls a sync.
package audit

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Event is one audited action.
type Event struct {
	UserIntegrationID string                 `json:"user_integration_id,omitempty"`
	UserID            string                 `json:"user_id,omitempty"`
	Action            string                 `json:"action"`
	Resource          string                 `json:"resource,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
	Success           bool                   `json:"success"`
	Error             string                 `json:"error,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Emit(event Event)
}

// LogSink writes audit events to the process log.
type LogSink struct{}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Emit(event Event) {
	event.Timestamp = time.Now().UTC()
	outcome := "ok"
	if !event.Success {
		outcome = "failed"
	}
	if event.Error != "" {
		log.Printf("[audit] %s %s user=%s integration=%s %s: %s",
			event.Action, event.Resource, event.UserID, event.UserIntegrationID, outcome, event.Error)
		return
	}
	log.Printf("[audit] %s %s user=%s integration=%s %s",
		event.Action, event.Resource, event.UserID, event.UserIntegrationID, outcome)
}

// HTTPSink posts audit events as JSON to an external collector. Delivery
// is best effort.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates an HTTP-backed sink.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Emit(event Event) {
	event.Timestamp = time.Now().UTC()
	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("[audit] failed to encode event: %v", err)
			return
		}
		resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("[audit] failed to deliver event: %v", err)
			return
		}
		resp.Body.Close()
	}()
}

// MultiSink fans events out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(event Event) {
	for _, sink := range s.sinks {
		sink.Emit(event)
	}
}

// NopSink discards events. Used in tests.
type NopSink struct{}

func (NopSink) Emit(Event) {}
