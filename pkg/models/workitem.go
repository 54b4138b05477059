package models

import "time"

// ItemType classifies a work item within the planning hierarchy.
type ItemType string

const (
	// ItemTypeInitiative is the top level of the hierarchy.
	ItemTypeInitiative ItemType = "initiative"
	// ItemTypeEpic groups related features.
	ItemTypeEpic ItemType = "epic"
	// ItemTypeFeature groups related stories.
	ItemTypeFeature ItemType = "feature"
	// ItemTypeStory is a user-facing slice of work.
	ItemTypeStory ItemType = "story"
	// ItemTypeTask is the smallest executable unit.
	ItemTypeTask ItemType = "task"
)

// Valid returns true if the item type is a known value.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeInitiative, ItemTypeEpic, ItemTypeFeature, ItemTypeStory, ItemTypeTask:
		return true
	default:
		return false
	}
}

// Status represents the current state of a work item.
type Status string

const (
	// StatusBacklog indicates the item has been created but not groomed.
	StatusBacklog Status = "backlog"
	// StatusReady indicates all dependencies are met and work can start.
	StatusReady Status = "ready"
	// StatusInProgress indicates the item is being worked on.
	StatusInProgress Status = "in_progress"
	// StatusBlocked indicates unmet dependencies or a failed execution.
	StatusBlocked Status = "blocked"
	// StatusReview indicates the work is complete and awaiting review.
	StatusReview Status = "review"
	// StatusDone indicates the item completed successfully. Terminal.
	StatusDone Status = "done"
	// StatusCancelled indicates the item was abandoned. Terminal.
	StatusCancelled Status = "cancelled"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusBlocked,
		StatusReview, StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// WorkItem represents a unit of work in the system.
type WorkItem struct {
	// ID is the unique identifier for this item.
	ID string `json:"id" yaml:"id"`
	// Type classifies the item within the hierarchy.
	Type ItemType `json:"type" yaml:"type"`
	// Title is the short description of the item.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the item.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Status is the current state of the item.
	Status Status `json:"status" yaml:"status"`
	// Children lists child item IDs in order. The parent owns its children.
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`
	// DependsOn lists item IDs that must be done before this item.
	// Distinct from the parent/child hierarchy.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Metadata holds free-form string keys mapped to string values.
	// Nested values are rejected at the API boundary.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Embedding is the cached content embedding, or nil if not computed.
	Embedding []float32 `json:"-" yaml:"-"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// UpdatedAt is when the item was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// Version increments on every successful update and is checked
	// on write for optimistic concurrency.
	Version int64 `json:"version" yaml:"version"`
}

// HasDependency returns true if the item depends on the given ID.
func (w *WorkItem) HasDependency(id string) bool {
	for _, dep := range w.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// HasChild returns true if the item lists the given ID as a child.
func (w *WorkItem) HasChild(id string) bool {
	for _, child := range w.Children {
		if child == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the item. Reads hand out clones so callers
// can never mutate store state through a shared pointer.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Children = append([]string(nil), w.Children...)
	cp.DependsOn = append([]string(nil), w.DependsOn...)
	cp.Embedding = append([]float32(nil), w.Embedding...)
	if w.Metadata != nil {
		cp.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
