package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"autopilot/internal/logging"
	"autopilot/internal/resolver"
	"autopilot/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	SpecReference string   `json:"spec_reference"`
	TotalFeatures int      `json:"total_features"`
	Tags          []string `json:"tags,omitempty"`
}

// CreateSession persists a new session in status created.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (session.Session, error) {
	if req.TotalFeatures < 0 {
		return session.Session{}, fmt.Errorf("%w: total_features must be >= 0, got %d", session.ErrInvariant, req.TotalFeatures)
	}
	sess := session.Session{
		ID:            uuid.NewString(),
		SpecReference: req.SpecReference,
		TotalFeatures: req.TotalFeatures,
		Tags:          append([]string(nil), req.Tags...),
		Status:        session.StatusCreated,
	}
	created, err := withStorageRetry(ctx, o, "create session", func() (session.Session, error) {
		return o.store.Create(ctx, sess)
	})
	if err != nil {
		return session.Session{}, err
	}

	logging.Session("Created session %s (spec=%s, total_features=%d)", created.ID, created.SpecReference, created.TotalFeatures)
	logging.Audit().Event(logging.AuditSessionCreate, created.ID,
		zap.String("spec", created.SpecReference),
		zap.Int("total_features", created.TotalFeatures),
	)
	o.emit(created, "session created")
	return created, nil
}

// ControlSession applies an external command. Start and Resume acquire
// the session's driver slot and launch its driver loop; Pause and Stop on
// a driven session signal the driver and wait until it has parked at a
// turn boundary (or ctx ends).
func (o *Orchestrator) ControlSession(ctx context.Context, id string, cmd session.Command) (session.Session, error) {
	logging.SessionDebug("Session %s: %s requested", id, cmd)
	switch cmd {
	case session.CommandStart, session.CommandResume:
		return o.launch(ctx, id, cmd)
	case session.CommandPause, session.CommandStop:
		return o.halt(ctx, id, cmd)
	}
	return session.Session{}, fmt.Errorf("unknown command %q", cmd)
}

var commandMessages = map[session.Command]string{
	session.CommandStart:  "started",
	session.CommandResume: "resumed",
	session.CommandPause:  "paused",
	session.CommandStop:   "stopped",
}

func (o *Orchestrator) launch(ctx context.Context, id string, cmd session.Command) (session.Session, error) {
	d, err := o.acquire(id)
	if err != nil {
		return session.Session{}, err
	}

	var from session.Status
	sess, err := o.update(ctx, id, func(s *session.Session) error {
		to, err := session.Next(s.Status, cmd)
		if err != nil {
			return err
		}
		from = s.Status
		s.Status = to
		s.LastError = ""
		return nil
	})
	if err != nil {
		o.release(d)
		return session.Session{}, err
	}

	logging.Session("Session %s %s at %d/%d", id, commandMessages[cmd], sess.CompletedFeatures, sess.TotalFeatures)
	logging.Audit().Transition(id, string(from), string(sess.Status), sess.Version)
	o.emit(sess, commandMessages[cmd])

	go o.drive(d, sess)
	return sess, nil
}

func (o *Orchestrator) halt(ctx context.Context, id string, cmd session.Command) (session.Session, error) {
	for {
		if d := o.driverFor(id); d != nil {
			return o.signal(ctx, d, cmd)
		}

		var from session.Status
		sess, err := o.update(ctx, id, func(s *session.Session) error {
			if o.HasDriver(id) {
				return errDriverAttached
			}
			to, err := session.Next(s.Status, cmd)
			if err != nil {
				return err
			}
			from = s.Status
			s.Status = to
			return nil
		})
		if errors.Is(err, errDriverAttached) {
			continue
		}
		if err != nil {
			return session.Session{}, err
		}

		logging.Session("Session %s %s (no driver)", id, commandMessages[cmd])
		logging.Audit().Transition(id, string(from), string(sess.Status), sess.Version)
		o.emit(sess, commandMessages[cmd])
		return sess, nil
	}
}

// signal hands cmd to the driver and waits for it to park.
func (o *Orchestrator) signal(ctx context.Context, d *driver, cmd session.Command) (session.Session, error) {
	cur, err := o.GetSession(ctx, d.id)
	if err != nil {
		return session.Session{}, err
	}
	if _, err := session.Next(cur.Status, cmd); err != nil {
		return cur, err
	}

	logging.SessionDebug("Session %s: signalling driver to %s", d.id, cmd)
	d.request(cmd)
	select {
	case <-d.done:
	case <-ctx.Done():
		return cur, ctx.Err()
	}
	final, err := o.GetSession(ctx, d.id)
	if err != nil {
		return final, err
	}
	// The driver may have completed, failed or honored a competing stop
	// before it saw this request.
	if want, _ := session.Next(session.StatusRunning, cmd); final.Status != want {
		return final, &session.TransitionError{From: final.Status, Command: cmd}
	}
	return final, nil
}

// GetSession returns the stored session.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (session.Session, error) {
	return withStorageRetry(ctx, o, "get session", func() (session.Session, error) {
		return o.store.Get(ctx, id)
	})
}

// ListSessions returns every session, oldest first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]session.Session, error) {
	return withStorageRetry(ctx, o, "list sessions", func() ([]session.Session, error) {
		return o.store.List(ctx)
	})
}

// ListProgress returns the session's logged events with seq > sinceSeq.
func (o *Orchestrator) ListProgress(ctx context.Context, id string, sinceSeq int64) ([]session.ProgressEvent, error) {
	if _, err := o.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return withStorageRetry(ctx, o, "list progress", func() ([]session.ProgressEvent, error) {
		return o.store.ListProgress(ctx, id, sinceSeq)
	})
}

// ResolveKnowledge resolves q against the knowledge tiers.
func (o *Orchestrator) ResolveKnowledge(ctx context.Context, q resolver.Query) (*resolver.ResolvedContext, error) {
	if o.resolver == nil {
		return &resolver.ResolvedContext{}, nil
	}
	return o.resolver.Resolve(ctx, q)
}
