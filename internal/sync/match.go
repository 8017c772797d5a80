package sync

import (
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
)

// matchTasks finds local tasks that plausibly correspond to an incoming
// external task that has no identity mapping yet. Matching is best effort:
// title similarity above the fuzzy threshold. Zero matches means the item
// is new; more than one means the correlation is ambiguous and becomes a
// duplicate conflict instead of a guess.
func matchTasks(locals []*db.Task, incoming *integration.Task) []*db.Task {
	var matches []*db.Task
	for _, local := range locals {
		if transform.StringSimilarity(local.Title, incoming.Title) > transform.FuzzyMatchThreshold {
			matches = append(matches, local)
		}
	}
	return matches
}

// matchEvents finds local events for an unmapped external event. An event
// matches on fuzzy title similarity, or on overlapping time ranges when
// the titles disagree (the same meeting renamed on one side).
func matchEvents(locals []*db.Event, incoming *integration.Event) []*db.Event {
	var matches []*db.Event
	for _, local := range locals {
		if transform.StringSimilarity(local.Title, incoming.Title) > transform.FuzzyMatchThreshold {
			matches = append(matches, local)
			continue
		}
		if transform.TimeRangesOverlap(local.StartTime, local.EndTime, incoming.StartTime, incoming.EndTime) {
			matches = append(matches, local)
		}
	}
	return matches
}

// withoutMapped filters out local tasks that already have a mapping for
// this integration.
func withoutMappedTasks(locals []*db.Task, mapped map[string]bool) []*db.Task {
	var free []*db.Task
	for _, local := range locals {
		if !mapped[local.ID] {
			free = append(free, local)
		}
	}
	return free
}

func withoutMappedEvents(locals []*db.Event, mapped map[string]bool) []*db.Event {
	var free []*db.Event
	for _, local := range locals {
		if !mapped[local.ID] {
			free = append(free, local)
		}
	}
	return free
}
