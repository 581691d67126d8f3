package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Acquire when no isolate became idle
	// before the acquire deadline.
	ErrCapacityExceeded = errors.New("isolate pool capacity exceeded")

	// ErrTimeout is returned when a handler ran past its execution deadline
	// and its isolate was replaced.
	ErrTimeout = errors.New("handler execution timed out")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("isolate pool is closed")

	// ErrNoRoute is returned when no registered route matches a request.
	ErrNoRoute = errors.New("no matching route")
)

// ConfigurationError aborts a load or reload: duplicate routes, invalid
// patterns, scripts that fail to compile, or isolates that disagree on the
// route table.
type ConfigurationError struct {
	Phase string // "discover", "bundle", "compile", "register"
	File  string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("configuration error (%s) in %s: %v", e.Phase, e.File, e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %v", e.Phase, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// HandlerError is a structured error thrown by a script (HttpError). Its
// status and message are sent to the caller verbatim.
type HandlerError struct {
	Status  int
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error %d: %s", e.Status, e.Message)
}

// InternalError is any other script fault. Message and Stack are for the
// server log only.
type InternalError struct {
	Message string
	Stack   string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Err)
	}
	return "internal error: " + e.Message
}

func (e *InternalError) Unwrap() error { return e.Err }

// StorageErrorKind is the failure class surfaced to scripts.
type StorageErrorKind string

const (
	StorageBusy       StorageErrorKind = "busy"
	StorageConstraint StorageErrorKind = "constraint"
	StorageIO         StorageErrorKind = "io"
)

// StorageError wraps a storage engine failure with its class.
type StorageError struct {
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the call may succeed.
func (e *StorageError) Retryable() bool { return e.Kind == StorageBusy }

// StorageKindOf returns the class of err, defaulting to io.
func StorageKindOf(err error) StorageErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return StorageIO
}
