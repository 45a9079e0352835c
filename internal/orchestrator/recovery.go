package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"autopilot/internal/logging"
	"autopilot/internal/session"

	"go.uber.org/zap"
)

// Recover parks sessions that a previous process left running. A running
// session with no live driver slot is moved to paused, never resumed, so
// work is not executed twice after an unclean exit. It returns the number
// of sessions parked.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategorySession, "Recover")
	defer timer.Stop()

	active, err := withStorageRetry(ctx, o, "list active sessions", func() ([]session.Session, error) {
		return o.store.ListActive(ctx)
	})
	if err != nil {
		return 0, err
	}

	parked := 0
	for _, s := range active {
		if s.Status != session.StatusRunning || o.HasDriver(s.ID) {
			continue
		}
		id := s.ID
		next, err := o.update(ctx, id, func(x *session.Session) error {
			if x.Status != session.StatusRunning || o.HasDriver(id) {
				return errNotRunning
			}
			x.Status = session.StatusPaused
			return nil
		})
		if errors.Is(err, errNotRunning) {
			continue
		}
		if err != nil {
			return parked, fmt.Errorf("recover session %s: %w", id, err)
		}

		logging.SessionWarn("Session %s was running without a driver; paused at %d/%d", id, next.CompletedFeatures, next.TotalFeatures)
		logging.Audit().Event(logging.AuditRecovery, id,
			zap.Int("completed", next.CompletedFeatures),
			zap.Int64("version", next.Version),
		)
		o.emit(next, "paused: recovered after restart")
		parked++
	}

	if parked > 0 {
		logging.Session("Recovery parked %d orphaned session(s)", parked)
	}
	return parked, nil
}

// Shutdown stops accepting commands and pauses every driven session at
// its next turn boundary. If ctx ends first, turns in flight are
// cancelled and Shutdown still waits for the drivers to park.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	drivers := make([]*driver, 0, len(o.drivers))
	for _, d := range o.drivers {
		drivers = append(drivers, d)
	}
	o.mu.Unlock()

	if len(drivers) > 0 {
		logging.Session("Shutting down: pausing %d driven session(s)", len(drivers))
	}
	for _, d := range drivers {
		d.request(session.CommandPause)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		logging.SessionWarn("Shutdown deadline reached, cancelling turns in flight")
		o.cancel()
		<-done
		return ctx.Err()
	}
}
