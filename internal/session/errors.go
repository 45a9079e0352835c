package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrVersionConflict   = errors.New("session version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyRunning    = errors.New("session already running")
	ErrInvariant         = errors.New("session invariant violated")
)

// TransitionError describes a rejected status change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From    Status
	Command Command // set for rejected commands
	To      Status  // set for rejected direct transitions
}

func (e *TransitionError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("invalid transition: cannot %s a %s session", e.Command, e.From)
	}
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsStorageFault reports whether err came from the storage layer rather
// than from a conflict, a missing record, a rejected transition or an
// invariant check.
func IsStorageFault(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrVersionConflict) &&
		!errors.Is(err, ErrInvalidTransition) &&
		!errors.Is(err, ErrInvariant)
}
