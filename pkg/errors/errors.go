package errors

import (
	"errors"
	"fmt"
)

// Category classifies stream errors for recovery keying: network errors are
// retried by resuming the load, media errors by in-place recovery, anything
// else by full pipeline recreation.
type Category string

const (
	CategoryNetwork Category = "network"
	CategoryMedia   Category = "media"
	CategoryUnknown Category = "unknown"
)

// StreamError is an engine error with a recovery category and fatality flag.
// Non-fatal errors are absorbed into counters; fatal errors drive the
// recovery state machine.
type StreamError struct {
	Category Category
	Details  string
	Fatal    bool
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category, e.Details, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Details)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewNonFatal creates a non-fatal stream error that playback survives.
func NewNonFatal(category Category, details string, cause error) *StreamError {
	return &StreamError{Category: category, Details: details, Cause: cause}
}

// NewFatalNetwork creates a fatal network-class error.
func NewFatalNetwork(details string, cause error) *StreamError {
	return &StreamError{Category: CategoryNetwork, Details: details, Fatal: true, Cause: cause}
}

// NewFatalMedia creates a fatal decode/media-class error.
func NewFatalMedia(details string, cause error) *StreamError {
	return &StreamError{Category: CategoryMedia, Details: details, Fatal: true, Cause: cause}
}

// NewFatalUnknown creates a fatal error outside the known categories.
func NewFatalUnknown(details string, cause error) *StreamError {
	return &StreamError{Category: CategoryUnknown, Details: details, Fatal: true, Cause: cause}
}

// CategoryOf extracts the recovery category, defaulting to unknown.
func CategoryOf(err error) Category {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryUnknown
}

// IsFatal reports whether the error requires recovery. Errors that are not
// StreamError are treated as fatal unknown.
func IsFatal(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Fatal
	}
	return err != nil
}

// DetailsOf returns the human-readable details for host callbacks.
func DetailsOf(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Details
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
