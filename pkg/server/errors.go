package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrSessionNotFound is returned when a component id does not exist or is
	// not bound to the calling connection.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrUnknownComponent is returned when no component type is registered under a name.
	ErrUnknownComponent = errors.New("server: unknown component")

	// ErrUnknownAction is returned when a component type has no action of the given name.
	ErrUnknownAction = errors.New("server: unknown action")

	// ErrDuplicateComponent is returned when registering a name twice.
	ErrDuplicateComponent = errors.New("server: component already registered")

	// ErrQueueFull is returned when a session's action queue is full.
	ErrQueueFull = errors.New("server: action queue full")

	// ErrNameMismatch is returned when a rehydrate request names a different
	// component than its snapshot.
	ErrNameMismatch = errors.New("server: component name mismatch")

	// ErrUploadsDisabled is returned when no upload store is configured.
	ErrUploadsDisabled = errors.New("server: uploads disabled")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")
)

// SessionError wraps an error with component context for debugging.
type SessionError struct {
	ComponentID string
	Op          string // Operation that failed
	Err         error  // Underlying error
}

// Error returns the error message with component context.
func (e *SessionError) Error() string {
	if e.ComponentID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: component %s: %s: %v", e.ComponentID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(componentID, op string, err error) *SessionError {
	return &SessionError{
		ComponentID: componentID,
		Op:          op,
		Err:         err,
	}
}

// ActionError reports a failed or panicking action handler.
type ActionError struct {
	Component string
	Action    string
	Err       error

	// Panic holds the recovered value when the handler panicked.
	Panic any
}

// Error returns the error message.
func (e *ActionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("server: %s.%s panicked: %v", e.Component, e.Action, e.Panic)
	}
	return fmt.Sprintf("server: %s.%s: %v", e.Component, e.Action, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// RehydrateError reports why a snapshot was refused.
type RehydrateError struct {
	Reason string
	Err    error
}

// Error returns the error message.
func (e *RehydrateError) Error() string {
	return fmt.Sprintf("server: rehydrate rejected (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RehydrateError) Unwrap() error {
	return e.Err
}
