package transform

import (
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

// ConflictType tags one detected divergence between a local and an
// external version of the same logical item.
type ConflictType string

const (
	ConflictTitle       ConflictType = "title_mismatch"
	ConflictDescription ConflictType = "description_mismatch"
	ConflictStatus      ConflictType = "status_mismatch"
	ConflictDate        ConflictType = "date_mismatch"
	ConflictTime        ConflictType = "time_mismatch"
	ConflictDuplicate   ConflictType = "duplicate"
)

// Detection holds the weighted similarity score and the conflict tags for
// one item pair. Zero tags means no conflict: safe to auto-update.
type Detection struct {
	Score float64
	Types []ConflictType
}

// HasConflicts reports whether any dimension fell below its threshold.
func (d Detection) HasConflicts() bool {
	return len(d.Types) > 0
}

// Similarity thresholds and weights. The aggregate score divides by the
// total weight of the dimensions actually compared, so missing optional
// fields do not depress the score unfairly. The heuristic trades precision
// for simplicity: false positives become manual conflicts rather than
// data loss.
const (
	titleWeight    = 0.4
	titleThreshold = 0.8

	descriptionWeight    = 0.3
	descriptionThreshold = 0.7

	dueDateWeight = 0.2
	statusWeight  = 0.1

	overlapWeight = 0.3

	eventDescriptionWeight = 0.3

	// FuzzyMatchThreshold is the title similarity above which an unmapped
	// external item is considered the same as an existing local item.
	FuzzyMatchThreshold = 0.8
)

// Detector computes similarity scores and conflict tags between local and
// external versions of tasks and events.
type Detector struct{}

// NewDetector creates a conflict detector.
func NewDetector() *Detector {
	return &Detector{}
}

// DetectTask compares a local task with the canonical form of an external
// task. Dimensions: title (0.4, threshold 0.8), description (0.3,
// threshold 0.7), due date by calendar day (0.2), normalized status (0.1).
func (d *Detector) DetectTask(local, external *integration.Task) Detection {
	var det Detection
	var score, weight float64

	titleSim := StringSimilarity(local.Title, external.Title)
	score += titleSim * titleWeight
	weight += titleWeight
	if titleSim < titleThreshold {
		det.Types = append(det.Types, ConflictTitle)
	}

	// Absence of one side's description while the other has one counts as
	// a full mismatch; both absent means the dimension is not compared.
	if local.Description != "" || external.Description != "" {
		descSim := 0.0
		if local.Description != "" && external.Description != "" {
			descSim = StringSimilarity(local.Description, external.Description)
		}
		score += descSim * descriptionWeight
		weight += descriptionWeight
		if descSim < descriptionThreshold {
			det.Types = append(det.Types, ConflictDescription)
		}
	}

	if local.DueDate != nil || external.DueDate != nil {
		dateSim := 0.0
		if local.DueDate != nil && external.DueDate != nil && sameDay(*local.DueDate, *external.DueDate) {
			dateSim = 1.0
		}
		score += dateSim * dueDateWeight
		weight += dueDateWeight
		if dateSim < 1.0 {
			det.Types = append(det.Types, ConflictDate)
		}
	}

	statusSim := 0.0
	if local.Status == external.Status {
		statusSim = 1.0
	} else {
		det.Types = append(det.Types, ConflictStatus)
	}
	score += statusSim * statusWeight
	weight += statusWeight

	det.Score = score / weight
	return det
}

// DetectEvent compares a local event with the canonical form of an
// external event. Dimensions: title (0.4, threshold 0.8), time-range
// overlap (0.3, boolean), description (0.3, threshold 0.7).
func (d *Detector) DetectEvent(local, external *integration.Event) Detection {
	var det Detection
	var score, weight float64

	titleSim := StringSimilarity(local.Title, external.Title)
	score += titleSim * titleWeight
	weight += titleWeight
	if titleSim < titleThreshold {
		det.Types = append(det.Types, ConflictTitle)
	}

	overlapSim := 0.0
	if TimeRangesOverlap(local.StartTime, local.EndTime, external.StartTime, external.EndTime) {
		overlapSim = 1.0
	} else {
		det.Types = append(det.Types, ConflictTime)
	}
	score += overlapSim * overlapWeight
	weight += overlapWeight

	if local.Description != "" || external.Description != "" {
		descSim := 0.0
		if local.Description != "" && external.Description != "" {
			descSim = StringSimilarity(local.Description, external.Description)
		}
		score += descSim * eventDescriptionWeight
		weight += eventDescriptionWeight
		if descSim < descriptionThreshold {
			det.Types = append(det.Types, ConflictDescription)
		}
	}

	det.Score = score / weight
	return det
}

// TimeRangesOverlap reports whether [aStart,aEnd) and [bStart,bEnd)
// intersect.
func TimeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// sameDay reports whether two timestamps fall on the same calendar day
// in UTC.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
