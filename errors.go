package radflow

import "errors"

var (
	// ErrNotFound indicates a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal indicates a write would regress a terminal task
	// execution status. Statuses only ever advance.
	ErrAlreadyTerminal = errors.New("task execution already terminal")

	// ErrValidationFailed indicates malformed input that must be corrected
	// rather than retried. Messages failing validation are rejected, not
	// redelivered.
	ErrValidationFailed = errors.New("validation failed")

	// ErrPluginNotFound indicates a task's plugin type has no registered
	// implementation.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrCapacityExceeded indicates the configured maximum number of
	// concurrent jobs is already in flight. The triggering message should be
	// requeued and retried once a slot frees.
	ErrCapacityExceeded = errors.New("dispatch capacity exceeded")
)

// IsValidation reports whether err is a validation failure that should be
// rejected at the boundary instead of redelivered.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}
