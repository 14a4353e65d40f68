package pulse

import (
	"errors"
	"fmt"
)

// Common errors returned by the Pulse client.
var (
	// ErrNoActiveTask is returned when a submission arrives with no running task.
	ErrNoActiveTask = errors.New("no active task")

	// ErrTaskActive is returned when a task is started while another one runs.
	ErrTaskActive = errors.New("a task is already active")

	// ErrNotJoined is returned when a participant operation runs before Join.
	ErrNotJoined = errors.New("participant has not joined")

	// ErrEmptyContent is returned when a submission or question is blank.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrInvalidContent is returned when content does not fit the activity.
	ErrInvalidContent = errors.New("content does not fit activity")

	// ErrInvalidActivity is returned for an unknown activity type.
	ErrInvalidActivity = errors.New("invalid activity type")

	// ErrWrongRole is returned when an operation is not available to the role.
	ErrWrongRole = errors.New("operation not available for role")

	// ErrClosed is returned when operating on a closed sync context.
	ErrClosed = errors.New("sync context is closed")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// TransportError is a network or backend failure reported by an adapter.
// It is recoverable: callers fall back to the other adapter or retry on the
// next tick. Extractable via errors.As(). Supports Unwrap().
type TransportError struct {
	Adapter    string
	Op         string
	Table      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s %s failed (status %d): %v", e.Adapter, e.Op, e.Table, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s %s failed: %v", e.Adapter, e.Op, e.Table, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DataError marks a malformed or incomplete row. The row is treated as absent.
type DataError struct {
	Table string
	ID    string
	Field string
	Err   error
}

func (e *DataError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("data: %s row %q: %s: %v", e.Table, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("data: %s row: %s: %v", e.Table, e.Field, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// ExhaustionError reports that every adapter failed one logical operation.
type ExhaustionError struct {
	Op     string
	Errors []error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%s: all transports failed: %v", e.Op, errors.Join(e.Errors...))
}

func (e *ExhaustionError) Unwrap() []error { return e.Errors }

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
