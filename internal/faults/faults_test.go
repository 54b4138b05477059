package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestFaultError(t *testing.T) {
	f := New(KindNotFound, "item %s", "abc")
	if f.Error() != "not_found: item abc" {
		t.Errorf("unexpected message: %s", f.Error())
	}
}

func TestFaultUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	f := Wrap(KindTransient, cause, "write failed")
	if !errors.Is(f, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestKindOfWrappedFault(t *testing.T) {
	f := New(KindConflict, "version mismatch")
	wrapped := fmt.Errorf("update item: %w", f)
	if KindOf(wrapped) != KindConflict {
		t.Errorf("expected conflict, got %s", KindOf(wrapped))
	}
}

func TestClassifyTimeouts(t *testing.T) {
	cases := []error{
		context.DeadlineExceeded,
		context.Canceled,
		errors.New("dial tcp: connection refused"),
		errors.New("request timed out"),
		errors.New("503 Service Unavailable"),
	}
	for _, err := range cases {
		if Classify(err) != KindTransient {
			t.Errorf("expected %v to classify as transient, got %s", err, Classify(err))
		}
	}
}

func TestClassifyEOFSentinels(t *testing.T) {
	cases := []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF),
	}
	for _, err := range cases {
		if Classify(err) != KindTransient {
			t.Errorf("expected %v to classify as transient, got %s", err, Classify(err))
		}
	}
}

func TestClassifyPermanent(t *testing.T) {
	cases := []error{
		errors.New("invalid JSON payload"),
		errors.New("unknown field"),
		// Contains the letters "eof" without being an EOF sentinel.
		errors.New("open /data/beofre.json: permission denied"),
		errors.New("validate field theofficial_name"),
	}
	for _, err := range cases {
		if Classify(err) != KindPermanent {
			t.Errorf("expected %v to classify as permanent, got %s", err, Classify(err))
		}
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindBackendUnavailable, true},
		{KindPermanent, false},
		{KindNotFound, false},
		{KindConflict, false},
		{KindSchemaViolation, false},
		{KindCycleDetected, false},
		{KindReferentialIntegrity, false},
		{KindInvalidTransition, false},
		{KindNotReady, false},
	}
	for _, tc := range cases {
		if got := Retryable(New(tc.kind, "x")); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
