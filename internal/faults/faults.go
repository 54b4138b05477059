// Package faults defines the error taxonomy shared by every component
// and the classifier that maps arbitrary failures onto it.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// Kind identifies one category in the error taxonomy.
type Kind string

const (
	// KindSchemaViolation indicates malformed input rejected at the API boundary.
	KindSchemaViolation Kind = "schema_violation"
	// KindNotFound indicates a referenced record does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a stale-version optimistic concurrency failure.
	KindConflict Kind = "conflict"
	// KindInvalidTransition indicates a status change not allowed by the state machine.
	KindInvalidTransition Kind = "invalid_transition"
	// KindCycleDetected indicates a dependency edge that would create a cycle.
	KindCycleDetected Kind = "cycle_detected"
	// KindReferentialIntegrity indicates a delete blocked by dependents or children.
	KindReferentialIntegrity Kind = "referential_integrity"
	// KindNotReady indicates an execution request for an item whose dependencies are unmet.
	KindNotReady Kind = "not_ready"
	// KindBackendUnavailable indicates a short-circuited or failed backend call.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindTransient indicates a retryable failure such as a timeout.
	KindTransient Kind = "transient"
	// KindPermanent indicates a non-retryable failure.
	KindPermanent Kind = "permanent"
)

// Fault is an error carrying its taxonomy kind.
type Fault struct {
	// Kind is the taxonomy category.
	Kind Kind
	// Message describes the failure.
	Message string
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the wrapped cause.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable returns true if callers may retry the failed operation.
// Only transient and backend-unavailable failures are retryable.
func (f *Fault) Retryable() bool {
	return f.Kind == KindTransient || f.Kind == KindBackendUnavailable
}

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the taxonomy kind of err, classifying unrecognized
// errors on the fly.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Classify(err)
}

// Is reports whether err belongs to the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify maps an arbitrary error onto the taxonomy. Errors that
// already carry a kind keep it; everything else is sorted into
// Transient or Permanent based on its shape.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	// Timeouts and cancelled contexts are transient: the backend may
	// well answer on the next attempt.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	// Truncated reads from a flaky backend, matched as sentinels rather
	// than by message so that text merely containing "eof" stays put.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}

	return KindPermanent
}

// transientMarkers are substrings that identify retryable failures from
// backends that only surface flat error strings.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"too many requests",
	"service unavailable",
	"broken pipe",
}

// Retryable reports whether err may be retried per the taxonomy.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindBackendUnavailable:
		return true
	default:
		return false
	}
}
