package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/logging"
	"autopilot/internal/session"
)

// retryTurn records a failed turn. Fatal failures and exhausted retries
// fail the session; anything else records a note, waits out the backoff
// and reports ok so the driver tries again.
func (o *Orchestrator) retryTurn(d *driver, sess session.Session, failures int, cause error) (session.Session, bool) {
	kind := agent.Classify(cause)
	if kind == agent.KindFatal {
		o.fail(sess.ID, fmt.Errorf("agent failed: %w", cause))
		return sess, false
	}
	if failures >= o.cfg.MaxRetries {
		o.fail(sess.ID, fmt.Errorf("turn failed after %d attempts: %w", failures, cause))
		return sess, false
	}

	backoff := o.computeRetryBackoff(kind, failures)
	logging.SessionWarn("Session %s: %s turn failure (attempt %d/%d), retrying in %v: %v",
		sess.ID, kind, failures, o.cfg.MaxRetries, backoff, cause)
	logging.Audit().TurnRetry(sess.ID, failures, backoff, cause)

	next, err := o.update(context.Background(), sess.ID, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return errNotRunning
		}
		s.LastError = cause.Error()
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return sess, false
	}
	if err != nil {
		o.fail(sess.ID, err)
		return sess, false
	}
	msg := fmt.Sprintf("retrying turn (attempt %d of %d) in %v: %v", failures+1, o.cfg.MaxRetries, backoff, cause)
	if _, err := o.emit(next, msg); err != nil {
		o.fail(sess.ID, err)
		return sess, false
	}

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.ctx.Done():
	}
	return next, true
}

// computeRetryBackoff returns exponential backoff based on attempt number.
func (o *Orchestrator) computeRetryBackoff(kind agent.Kind, attempt int) time.Duration {
	base := o.cfg.RetryBackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	maxBackoff := o.cfg.RetryBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	backoff := base * time.Duration(1<<shift)

	// Logic failures usually need a different prompt, not more waiting.
	if kind == agent.KindLogic && backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// fail moves a running session to failed with cause as last_error. If the
// store cannot record it the session stays running until Recover parks it.
func (o *Orchestrator) fail(id string, cause error) {
	logging.SessionError("Session %s failed: %v", id, cause)
	o.settle(id, session.StatusFailed, cause.Error(), "failed: "+cause.Error())
}
