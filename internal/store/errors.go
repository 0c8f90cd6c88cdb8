package store

import "errors"

// Common errors returned by Store operations.
var (
	// ErrStaleWrite is returned when a mutation was applied locally but the
	// backing service did not confirm it. The optimistic value has been
	// discarded and a full reload requested.
	ErrStaleWrite = errors.New("write not confirmed")

	// ErrUnknownTask is returned when the addressed task is not held locally.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownItem is returned when the addressed checklist item does not
	// exist on the task.
	ErrUnknownItem = errors.New("unknown checklist item")
)
