// Package agent is the boundary to the external coding agent that performs
// one session turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autopilot/internal/resolver"
	"autopilot/internal/session"
)

// TurnInput is everything the agent sees for one turn.
type TurnInput struct {
	Session  session.Session
	Context  *resolver.ResolvedContext
	Prompt   string
	Attempt  int    // 1 for the first try of a turn
	Previous string // agent text from the last committed turn
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	// Delta is the number of features newly completed. The orchestrator
	// clamps it to [0, remaining].
	Delta int
	Text  string
}

// Agent executes one turn.
type Agent interface {
	Execute(ctx context.Context, in TurnInput) (TurnResult, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, in TurnInput) (TurnResult, error)

// Execute implements Agent.
func (f Func) Execute(ctx context.Context, in TurnInput) (TurnResult, error) { return f(ctx, in) }

// Kind classifies a turn failure.
type Kind int

const (
	// KindTransient failures (timeouts, rate limits, I/O) are retried with
	// the full backoff schedule.
	KindTransient Kind = iota
	// KindLogic failures are unclassified; they are retried with a shorter
	// backoff cap.
	KindLogic
	// KindFatal failures end the session.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindLogic:
		return "logic"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified agent failure.
type Error struct {
	Kind     Kind
	ExitCode int // -1 when the agent did not exit
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s agent error (exit %d): %v", e.Kind, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s agent error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error { return &Error{Kind: KindTransient, ExitCode: -1, Err: err} }

// Fatal marks err as unrecoverable.
func Fatal(err error) error { return &Error{Kind: KindFatal, ExitCode: -1, Err: err} }

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool { return Classify(err) == KindFatal }

var transientHints = []string{
	"timeout",
	"context deadline",
	"rate limit",
	"too many requests",
	"temporar",
	"connection",
	"unavailable",
	"network",
	"i/o",
}

// Classify decides how a turn failure is handled. Typed errors keep their
// kind; deadlines and messages that look like infrastructure trouble are
// transient; anything else is a logic failure.
func Classify(err error) Kind {
	if err == nil {
		return KindLogic
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return KindTransient
		}
	}
	return KindLogic
}
