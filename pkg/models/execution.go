package models

import "time"

// ExecutionState represents the lifecycle state of an execution record.
type ExecutionState string

const (
	// ExecutionPending indicates the execution has been accepted but not started.
	ExecutionPending ExecutionState = "pending"
	// ExecutionRunning indicates the execution is in flight.
	ExecutionRunning ExecutionState = "running"
	// ExecutionSucceeded indicates the execution completed successfully. Terminal.
	ExecutionSucceeded ExecutionState = "succeeded"
	// ExecutionFailed indicates the execution failed after retries. Terminal.
	ExecutionFailed ExecutionState = "failed"
	// ExecutionCancelled indicates the execution was cancelled. Terminal.
	ExecutionCancelled ExecutionState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSucceeded,
		ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state admits no further changes.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ExecutionRecord tracks one attempt to execute a work item.
// Records become immutable once terminal. At most one non-terminal
// record exists per work item at any time.
type ExecutionRecord struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`
	// WorkItemID is the item being executed.
	WorkItemID string `json:"work_item_id"`
	// State is the current lifecycle state.
	State ExecutionState `json:"state"`
	// Attempts is the number of attempts made so far.
	Attempts int `json:"attempts"`
	// LastError holds the most recent failure detail, if any.
	LastError string `json:"last_error,omitempty"`
	// StartedAt is when the execution was accepted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the record reached a terminal state, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy of the record.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
