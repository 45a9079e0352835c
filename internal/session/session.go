// Package session defines autonomous coding sessions: the record, its
// lifecycle state machine, progress events and the persistence contract.
//
// Lifecycle:
//
//	created ──start──▶ running ◀──resume── paused
//	   │                 │  └──pause──────▶  │
//	   │                 ├──▶ completed      │
//	   │                 ├──▶ failed         │
//	   └──stop──▶ stopped ◀──stop────────────┘
//
// completed, failed and stopped are terminal.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Command is an external control request.
type Command string

const (
	CommandStart  Command = "start"
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
)

// ParseCommand parses a command name, case-insensitively.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CommandStart, CommandPause, CommandResume, CommandStop:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q (want start, pause, resume or stop)", s)
}

// allowed lists every legal status change, whether caused by a command or
// by the driver loop.
var allowed = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusStopped},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the status cmd moves a session in status from to.
func Next(from Status, cmd Command) (Status, error) {
	var to Status
	switch cmd {
	case CommandStart:
		if from == StatusCreated {
			to = StatusRunning
		}
	case CommandPause:
		if from == StatusRunning {
			to = StatusPaused
		}
	case CommandResume:
		if from == StatusPaused {
			to = StatusRunning
		}
	case CommandStop:
		if !from.Terminal() {
			to = StatusStopped
		}
	}
	if to == "" {
		return from, &TransitionError{From: from, Command: cmd}
	}
	return to, nil
}

// Session is the durable record of one autonomous coding session.
type Session struct {
	ID                string    `json:"id"`
	SpecReference     string    `json:"spec_reference"`
	TotalFeatures     int       `json:"total_features"`
	CompletedFeatures int       `json:"completed_features"`
	Status            Status    `json:"status"`
	Tags              []string  `json:"tags,omitempty"`
	LastMessage       string    `json:"last_message,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Tags = append([]string(nil), s.Tags...)
	return s
}

// Remaining is the number of features still to complete.
func (s Session) Remaining() int {
	return s.TotalFeatures - s.CompletedFeatures
}

// Validate checks the record's own invariants.
func (s Session) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: session has no id", ErrInvariant)
	case !s.Status.Valid():
		return fmt.Errorf("%w: session %s: invalid status %q", ErrInvariant, s.ID, s.Status)
	case s.TotalFeatures < 0:
		return fmt.Errorf("%w: session %s: total_features %d < 0", ErrInvariant, s.ID, s.TotalFeatures)
	case s.CompletedFeatures < 0 || s.CompletedFeatures > s.TotalFeatures:
		return fmt.Errorf("%w: session %s: completed_features %d outside [0, %d]", ErrInvariant, s.ID, s.CompletedFeatures, s.TotalFeatures)
	}
	return nil
}

// CheckMutation validates a compare-and-swap mutation from before to after.
// Stores call it before persisting so no writer can break the state machine.
func CheckMutation(before, after Session) error {
	if err := after.Validate(); err != nil {
		return err
	}
	if after.ID != before.ID {
		return fmt.Errorf("%w: session %s: id is immutable", ErrInvariant, before.ID)
	}
	if before.Status.Terminal() {
		return &TransitionError{From: before.Status, To: after.Status}
	}
	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return &TransitionError{From: before.Status, To: after.Status}
	}
	if after.TotalFeatures != before.TotalFeatures {
		return fmt.Errorf("%w: session %s: total_features is fixed at %d", ErrInvariant, before.ID, before.TotalFeatures)
	}
	if after.CompletedFeatures < before.CompletedFeatures {
		return fmt.Errorf("%w: session %s: completed_features cannot decrease (%d -> %d)", ErrInvariant,
			before.ID, before.CompletedFeatures, after.CompletedFeatures)
	}
	return nil
}

// ProgressEvent is one entry in a session's append-only progress log.
type ProgressEvent struct {
	SessionID         string    `json:"session_id"`
	Seq               int64     `json:"seq"`
	Status            Status    `json:"status"`
	CompletedFeatures int       `json:"completed_features"`
	TotalFeatures     int       `json:"total_features"`
	Timestamp         time.Time `json:"timestamp"`
	Message           string    `json:"message,omitempty"`
}

// EventFor builds an unsequenced event describing s.
func EventFor(s Session, message string) ProgressEvent {
	return ProgressEvent{
		SessionID:         s.ID,
		Status:            s.Status,
		CompletedFeatures: s.CompletedFeatures,
		TotalFeatures:     s.TotalFeatures,
		Timestamp:         time.Now().UTC(),
		Message:           message,
	}
}

// Mutation edits a session inside a compare-and-swap. Returning an error
// aborts the write.
type Mutation func(*Session) error

// Store persists sessions and their progress logs.
//
// CompareAndSwap applies mutate only if the stored version equals
// expectedVersion, otherwise it returns ErrVersionConflict. Any other error
// (besides ErrNotFound and mutation errors) is a storage fault.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (Session, error)
	AppendProgress(ctx context.Context, ev ProgressEvent) (ProgressEvent, error)
	ListProgress(ctx context.Context, id string, sinceSeq int64) ([]ProgressEvent, error)
	ListActive(ctx context.Context) ([]Session, error)
	List(ctx context.Context) ([]Session, error)
	Close() error
}
