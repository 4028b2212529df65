package detections

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleRun is returned when a newer image replaced the one a run started with.
	ErrStaleRun = errors.New("run invalidated by a newer image")
	// ErrAllBoxesFailed is returned when no box of a run could be classified.
	ErrAllBoxesFailed = errors.New("classification failed for every box")
)

// ModelLoadError reports a model that could not be initialized.
type ModelLoadError struct {
	Model string
	Cause error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s model: %v", e.Model, e.Cause)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

// UnsupportedOutputLayoutError reports a detector output shape no strategy accepts.
type UnsupportedOutputLayoutError struct {
	Dims     []int64
	Strategy DecodeStrategy
	Reason   string
}

func (e *UnsupportedOutputLayoutError) Error() string {
	msg := fmt.Sprintf("unsupported output layout %v for %s decoding", e.Dims, e.Strategy)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InferenceError wraps a failed engine call. Index is -1 for the detector.
type InferenceError struct {
	Index int
	Cause error
}

func (e *InferenceError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("detector inference: %v", e.Cause)
	}
	return fmt.Sprintf("classify box %d: %v", e.Index, e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// InputValidationError is returned before any state changes when a run cannot start.
type InputValidationError struct {
	Reason string
}

func (e *InputValidationError) Error() string {
	return "invalid input: " + e.Reason
}
