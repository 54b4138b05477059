// Package status implements the work-item status state machine and the
// dependency-driven status derivation.
package status

import (
	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/pkg/models"
)

// transitions is the closed transition table. Terminal states have no
// entries, so they are absorbing.
var transitions = map[models.Status][]models.Status{
	models.StatusBacklog:    {models.StatusReady, models.StatusCancelled},
	models.StatusReady:      {models.StatusInProgress, models.StatusBlocked, models.StatusCancelled},
	models.StatusInProgress: {models.StatusReview, models.StatusBlocked, models.StatusCancelled},
	models.StatusBlocked:    {models.StatusReady, models.StatusInProgress, models.StatusCancelled},
	models.StatusReview:     {models.StatusDone, models.StatusInProgress, models.StatusCancelled},
	models.StatusDone:       nil,
	models.StatusCancelled:  nil,
}

// CanTransition returns true if the requested transition is allowed.
func CanTransition(current, requested models.Status) bool {
	for _, next := range transitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns the new status.
// Disallowed pairs yield an InvalidTransition fault.
func Transition(current, requested models.Status) (models.Status, error) {
	if !current.Valid() {
		return "", faults.New(faults.KindInvalidTransition, "unknown status %q", current)
	}
	if !requested.Valid() {
		return "", faults.New(faults.KindInvalidTransition, "unknown status %q", requested)
	}
	if !CanTransition(current, requested) {
		return "", faults.New(faults.KindInvalidTransition,
			"cannot transition from %s to %s", current, requested)
	}
	return requested, nil
}

// AllowedFrom returns the statuses reachable from current in one step.
func AllowedFrom(current models.Status) []models.Status {
	return append([]models.Status(nil), transitions[current]...)
}

// Derive computes the dependency-driven target status for an item.
// Items that are in flight or finished (in_progress, review, done,
// cancelled) are never forcibly moved. Otherwise: unmet dependencies
// pull the item to blocked; a blocked or backlog item whose
// dependencies are all done becomes ready. The second return value is
// false when no change is needed.
func Derive(current models.Status, dependenciesDone bool) (models.Status, bool) {
	switch current {
	case models.StatusInProgress, models.StatusReview, models.StatusDone, models.StatusCancelled:
		return current, false
	}

	if !dependenciesDone {
		if current == models.StatusBlocked {
			return current, false
		}
		return models.StatusBlocked, true
	}

	if current == models.StatusBlocked || current == models.StatusBacklog {
		return models.StatusReady, true
	}
	return current, false
}
