package sharedmap

import "errors"

// PermissionError is returned when a child map is asked to do
// something only the parent may do.
// The map's observable state is unchanged when this error is returned.
type PermissionError struct {
	// The attempted operation, e.g. "set" or "delete".
	Op string

	// The key involved, if any.
	Key string
}

func (e PermissionError) Error() string {
	if e.Op == "set" {
		return "setting values from a non-parent is not allowed"
	}
	return e.Op + " from a non-parent is not allowed"
}

// PersistenceError wraps a failure of the persistent store.
type PersistenceError struct {
	// "load", "flush", or "close".
	Op string

	Err error
}

func (e PersistenceError) Error() string {
	return "persistence " + e.Op + " failed: " + e.Err.Error()
}

func (e PersistenceError) Unwrap() error {
	return e.Err
}

// ErrNotReady is returned by parent writes before a successful [*Map.Init].
var ErrNotReady = errors.New("map is not ready")

// ErrClosed is returned by writes after [*Map.Close].
var ErrClosed = errors.New("map is closed")
