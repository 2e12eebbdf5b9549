package document

import "errors"

// Errors maps field names (or "general") to user-facing messages. It is a
// value, not a Go error: user data failures are reported, accumulated, and
// surfaced together; only programming misuse and storage failures travel as
// errors.
type Errors map[string]string

// Empty reports whether no field produced an error.
func (e Errors) Empty() bool { return len(e) == 0 }

// add records a message for a field unless one is already present. The first
// violation per field wins, matching the per-field check order: required,
// type, choice, uniqueness.
func (e Errors) add(field, message string) {
	if _, ok := e[field]; ok {
		return
	}
	e[field] = message
}

// ErrStorageFailure wraps blob or database failures during the commit phase.
// It triggers the compensating rollback path in the instance repository.
var ErrStorageFailure = errors.New("document: storage failure")
