package download

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a download id.
	ErrNotFound = errors.New("download not found")

	// ErrNotActive is returned by control commands targeting an id that has no live run.
	ErrNotActive = errors.New("download not found or already completed")

	// ErrCancelled marks a run stopped by the user. It is a terminal state, not a failure.
	ErrCancelled = errors.New("download cancelled by user")
)

// ValidationError represents a request rejected before it reaches the engine:
// missing identifiers, a destination that already exists, or a duplicate submission.
type ValidationError struct {
	Field  string // Name of the offending field
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SizeUnknownError is returned when neither the metadata probe nor the ranged
// probe yields a usable content length.
type SizeUnknownError struct {
	URL string
	Err error // Last probe error, if any
}

func (e *SizeUnknownError) Error() string {
	return "could not determine file size from server"
}

func (e *SizeUnknownError) Unwrap() error {
	return e.Err
}

// HTTPStatusError represents an unexpected response status from the source server.
type HTTPStatusError struct {
	Operation  string // The request that failed (e.g. "chunk 3", "probe")
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d during %s", e.StatusCode, e.Operation)
}

// IOError represents a filesystem failure on the destination.
type IOError struct {
	Op   string // The filesystem operation (e.g. "create", "preallocate", "write")
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	if e.Err == nil {
		return fmt.Sprintf("%s %s failed", e.Op, e.Path)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
