package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when the device is not idle for an exclusive operation
	ErrBusy = errors.New("plotter is busy")

	// ErrQueueFull is returned when the queue has reached its configured capacity
	ErrQueueFull = errors.New("job queue is full")

	// ErrIncompleteSession is returned when an upload session is queried before all chunks arrived
	ErrIncompleteSession = errors.New("upload session is incomplete")

	// ErrChunkMismatch is returned when a chunk disagrees with its session's metadata
	ErrChunkMismatch = errors.New("chunk does not match upload session")

	// ErrInvalidSession is returned for unusable upload session identifiers
	ErrInvalidSession = errors.New("invalid upload session id")

	// ErrNoValidArtifact is returned when neither inline content nor a readable file is available
	ErrNoValidArtifact = errors.New("no valid SVG content or file provided")

	// ErrJobNotFound is returned when a job cannot be found in the registry
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned for a transition that is not valid from the current state
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNoActiveProject is returned when a project operation runs without a project
	ErrNoActiveProject = errors.New("no active project")

	// ErrInvalidLayer is returned for an unknown layer identifier
	ErrInvalidLayer = errors.New("invalid layer id")

	// ErrInvalidJob is returned for job fields outside their allowed range
	ErrInvalidJob = errors.New("invalid job")

	// ErrProjectNotReady is returned when plotting a layer that has not finished uploading
	ErrProjectNotReady = errors.New("layer upload is not complete")
)

// DriverError captures a failure raised by the external plotting driver
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError wraps err as a driver failure for the given operation
func NewDriverError(op string, err error) error {
	return &DriverError{Op: op, Err: err}
}

// PersistenceError reports a state file write that did not reach disk.
// The previous file stays in place; in-memory state is kept.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IOError reports a chunk that could not be read back during reassembly
type IOError struct {
	SessionID string
	Index     int
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("session %s chunk %d unreadable: %v", e.SessionID, e.Index, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsPersistenceWarning reports whether err only signals a failed state write
func IsPersistenceWarning(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
