package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/logging"
	"autopilot/internal/resolver"
	"autopilot/internal/session"

	"go.uber.org/zap"
)

const maxLastMessage = 2000

// drive is the single loop advancing a session. Control requests, shutdown
// and completion are observed only between turns; a request that arrives
// while a turn is in flight discards that turn's result.
func (o *Orchestrator) drive(d *driver, sess session.Session) {
	defer o.release(d)

	logging.SessionDebug("Session %s: driver started at %d/%d", sess.ID, sess.CompletedFeatures, sess.TotalFeatures)
	var (
		previous = sess.LastMessage
		failures int
		turn     int
	)
	for {
		if sess.CompletedFeatures >= sess.TotalFeatures {
			o.settle(sess.ID, session.StatusCompleted, "",
				fmt.Sprintf("completed: %d/%d features passing", sess.CompletedFeatures, sess.TotalFeatures))
			return
		}
		if cmd := d.requested(); cmd != "" {
			o.park(sess.ID, cmd)
			return
		}
		if o.ctx.Err() != nil {
			o.park(sess.ID, session.CommandPause)
			return
		}
		if err := o.turns.Acquire(d.ctx, 1); err != nil {
			continue
		}

		turn++
		start := time.Now()
		res, err := o.runTurn(sess, previous, turn, failures+1)
		o.turns.Release(1)

		if cmd := d.requested(); cmd != "" {
			logging.Audit().Event(logging.AuditTurnDiscard, sess.ID,
				zap.Int("turn", turn),
				zap.String("command", string(cmd)),
			)
			logging.SessionDebug("Session %s: %s arrived during turn %d, result discarded", sess.ID, cmd, turn)
			o.park(sess.ID, cmd)
			return
		}

		if err != nil {
			failures++
			next, ok := o.retryTurn(d, sess, failures, err)
			if !ok {
				return
			}
			sess = next
			continue
		}

		failures = 0
		next, err := o.commit(sess, turn, res, time.Since(start))
		if err != nil {
			if errors.Is(err, errNotRunning) {
				logging.SessionWarn("Session %s: left running state during turn %d, driver exiting", sess.ID, turn)
				return
			}
			o.fail(sess.ID, err)
			return
		}
		sess = next
		previous = res.Text
	}
}

// runTurn resolves knowledge and invokes the agent under the turn timeout.
// The work runs on its own goroutine so the timeout holds even when the
// resolver or agent ignores its context; an abandoned turn keeps running
// until it returns on its own and its result is discarded.
func (o *Orchestrator) runTurn(sess session.Session, previous string, turn, attempt int) (agent.TurnResult, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.TurnTimeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategorySession, "turn")
	defer timer.StopWithThreshold(o.cfg.TurnTimeout / 2)

	logging.Audit().Event(logging.AuditTurnStart, sess.ID,
		zap.Int("turn", turn),
		zap.Int("attempt", attempt),
	)

	type outcome struct {
		res agent.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.executeTurn(ctx, sess, previous, turn, attempt)
		done <- outcome{res, err}
	}()

	var (
		res agent.TurnResult
		err error
	)
	select {
	case out := <-done:
		res, err = out.res, out.err
	case <-ctx.Done():
		err = ctx.Err()
		logging.SessionWarn("Session %s: turn %d abandoned: %v", sess.ID, turn, err)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !agent.IsFatal(err) {
		err = agent.Transient(fmt.Errorf("turn exceeded %s: %w", o.cfg.TurnTimeout, err))
	}
	return res, err
}

func (o *Orchestrator) executeTurn(ctx context.Context, sess session.Session, previous string, turn, attempt int) (agent.TurnResult, error) {
	var rc *resolver.ResolvedContext
	if o.resolver != nil {
		var err error
		rc, err = o.resolver.Resolve(ctx, agent.QueryFor(sess, previous))
		if err != nil {
			return agent.TurnResult{}, agent.Transient(fmt.Errorf("resolve knowledge: %w", err))
		}
		if rc.Degraded {
			logging.SessionWarn("Session %s: turn %d runs without semantic knowledge", sess.ID, turn)
		}
	}

	return o.agent.Execute(ctx, agent.TurnInput{
		Session:  sess.Clone(),
		Context:  rc,
		Prompt:   agent.BuildPrompt(sess, rc, previous),
		Attempt:  attempt,
		Previous: previous,
	})
}

// commit persists a turn's progress delta. The delta is clamped so
// completed_features stays within [previous, total].
func (o *Orchestrator) commit(sess session.Session, turn int, res agent.TurnResult, elapsed time.Duration) (session.Session, error) {
	next, err := o.update(context.Background(), sess.ID, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return errNotRunning
		}
		s.CompletedFeatures += min(max(res.Delta, 0), s.Remaining())
		s.LastMessage = truncateText(res.Text, maxLastMessage)
		s.LastError = ""
		return nil
	})
	if err != nil {
		return sess, err
	}

	added := next.CompletedFeatures - sess.CompletedFeatures
	logging.Session("Session %s: turn %d committed +%d (%d/%d)", next.ID, turn, added, next.CompletedFeatures, next.TotalFeatures)
	logging.Audit().TurnCommit(next.ID, next.CompletedFeatures, next.TotalFeatures, elapsed)
	if _, err := o.emit(next, fmt.Sprintf("turn %d committed: +%d (%d/%d)", turn, added, next.CompletedFeatures, next.TotalFeatures)); err != nil {
		return next, err
	}
	return next, nil
}

// park moves a running session to paused or stopped.
func (o *Orchestrator) park(id string, cmd session.Command) {
	to := session.StatusPaused
	if cmd == session.CommandStop {
		to = session.StatusStopped
	}
	o.settle(id, to, "", commandMessages[cmd])
}

// settle moves a running session to a resting status and records it.
func (o *Orchestrator) settle(id string, to session.Status, lastError, message string) {
	next, err := o.update(context.Background(), id, func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return errNotRunning
		}
		s.Status = to
		if lastError != "" {
			s.LastError = lastError
		}
		return nil
	})
	if errors.Is(err, errNotRunning) {
		logging.SessionDebug("Session %s: no longer running, not moving to %s", id, to)
		return
	}
	if err != nil {
		logging.SessionError("Session %s: could not move to %s: %v", id, to, err)
		return
	}

	logging.Session("Session %s %s at %d/%d", id, to, next.CompletedFeatures, next.TotalFeatures)
	logging.Audit().Transition(id, string(session.StatusRunning), string(to), next.Version)
	o.emit(next, message)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
