package service

import (
	"time"

	"github.com/ShayCichocki/loom/internal/faults"
)

// ErrorInfo describes a failed operation using the shared taxonomy.
type ErrorInfo struct {
	// Kind is the taxonomy category.
	Kind string `json:"kind"`
	// Message describes the failure.
	Message string `json:"message"`
	// Retryable tells callers whether retrying later can help.
	Retryable bool `json:"retryable"`
}

// Response is the standardized envelope every operation returns.
type Response struct {
	// Success is true when Data is meaningful, false when Error is.
	Success bool `json:"success"`
	// Data is the operation result, if any.
	Data interface{} `json:"data,omitempty"`
	// Error carries the failure detail, if any.
	Error *ErrorInfo `json:"error,omitempty"`
	// Timestamp is when the envelope was produced, UTC.
	Timestamp time.Time `json:"timestamp"`
}

// ok wraps data in a success envelope.
func (s *Service) ok(data interface{}) Response {
	return Response{
		Success:   true,
		Data:      data,
		Timestamp: s.now().UTC(),
	}
}

// fail wraps an error in a failure envelope.
func (s *Service) fail(err error) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:      string(faults.KindOf(err)),
			Message:   err.Error(),
			Retryable: faults.Retryable(err),
		},
		Timestamp: s.now().UTC(),
	}
}

// respond converts a (data, error) pair into an envelope.
func (s *Service) respond(data interface{}, err error) Response {
	if err != nil {
		return s.fail(err)
	}
	return s.ok(data)
}
