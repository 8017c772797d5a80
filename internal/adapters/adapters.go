// Package adapters implements the per-service integrations: each adapter
// normalizes one external API onto the canonical task/event operations and
// owns its own rate limiter and retry handler.
package adapters

import (
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
)

// Register wires every built-in adapter into the registry and its
// vocabulary into the transformer.
func Register(registry *integration.Registry, transformer *transform.Transformer) {
	registry.Register(TodoistConfig, NewTodoist)
	registry.Register(GoogleCalendarConfig, NewGoogleCalendar)
	registry.Register(CalDAVConfig, NewCalDAV)

	transformer.Register(TodoistVocabulary)
	transformer.Register(GoogleCalendarVocabulary)
	transformer.Register(CalDAVVocabulary)
}

// GoogleCalendarVocabulary and CalDAVVocabulary exist so event-only
// services still resolve a vocabulary; events carry no status or priority,
// so the maps stay empty and the canonical fallbacks apply.
var (
	GoogleCalendarVocabulary = &transform.Vocabulary{Service: "google_calendar"}
	CalDAVVocabulary         = &transform.Vocabulary{Service: "caldav"}
)
