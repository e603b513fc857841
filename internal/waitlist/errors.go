package waitlist

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrExpired      = errors.New("offer expired")
	ErrConflict     = errors.New("slot is locked by another offer")
	ErrValidation   = errors.New("validation failed")

	// ErrAlreadyResponded is the InvalidState case for an offer that has been
	// answered already.
	ErrAlreadyResponded = fmt.Errorf("%w: offer already responded", ErrInvalidState)

	// ErrVersionConflict is returned by repositories when an optimistic
	// version check fails. EntryStore retries on it.
	ErrVersionConflict = errors.New("entry was modified concurrently")
)

// StateError reports an action refused because of the current status.
type StateError struct {
	Entity  string // "entry" or "offer"
	ID      string
	Current string
	Err     error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s: %v", e.Entity, e.ID, e.Current, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

func entryStateError(e *Entry) error {
	return &StateError{Entity: "entry", ID: e.ID, Current: string(e.Status), Err: ErrInvalidState}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
