package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/logging"
	"autopilot/internal/session"
)

// update re-reads the session and applies mutate with compare-and-swap.
// Version conflicts re-read and reapply the mutation up to CASRetries
// times; storage faults are retried with backoff up to StorageRetries
// attempts. Mutation and transition errors return immediately.
func (o *Orchestrator) update(ctx context.Context, id string, mutate session.Mutation) (session.Session, error) {
	conflicts, faults := 0, 0
	for {
		cur, err := o.store.Get(ctx, id)
		if err == nil {
			var next session.Session
			next, err = o.store.CompareAndSwap(ctx, id, cur.Version, mutate)
			if err == nil {
				return next, nil
			}
			if errors.Is(err, session.ErrVersionConflict) {
				conflicts++
				if conflicts > o.cfg.CASRetries {
					return session.Session{}, fmt.Errorf("gave up after %d conflicting writes: %w", conflicts, err)
				}
				logging.SessionDebug("Session %s: version conflict at v%d, re-reading (%d/%d)", id, cur.Version, conflicts, o.cfg.CASRetries)
				continue
			}
		}
		if !session.IsStorageFault(err) {
			return session.Session{}, err
		}
		faults++
		if faults >= o.cfg.StorageRetries {
			return session.Session{}, fmt.Errorf("storage failed after %d attempts: %w", faults, err)
		}
		logging.SessionWarn("Session %s: storage error (attempt %d/%d): %v", id, faults, o.cfg.StorageRetries, err)
		if err := o.storageBackoff(ctx, faults); err != nil {
			return session.Session{}, err
		}
	}
}

// withStorageRetry runs a store operation, retrying storage faults.
func withStorageRetry[T any](ctx context.Context, o *Orchestrator, op string, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !session.IsStorageFault(err) {
			return v, err
		}
		if attempt >= o.cfg.StorageRetries {
			return v, fmt.Errorf("%s: storage failed after %d attempts: %w", op, attempt, err)
		}
		logging.SessionWarn("%s: storage error (attempt %d/%d): %v", op, attempt, o.cfg.StorageRetries, err)
		if err := o.storageBackoff(ctx, attempt); err != nil {
			var zero T
			return zero, err
		}
	}
}

func (o *Orchestrator) storageBackoff(ctx context.Context, attempt int) error {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	t := time.NewTimer(o.cfg.StorageBackoff * time.Duration(1<<shift))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit appends a progress event describing s and publishes the stored
// event. Appends and publishes of one session are serialized so
// subscribers see strictly increasing sequence numbers.
func (o *Orchestrator) emit(s session.Session, message string) (session.ProgressEvent, error) {
	mu := o.emitLock(s.ID)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	ev, err := withStorageRetry(ctx, o, "append progress", func() (session.ProgressEvent, error) {
		return o.store.AppendProgress(ctx, session.EventFor(s, message))
	})
	if err != nil {
		logging.SessionError("Session %s: could not record progress %q: %v", s.ID, message, err)
		return ev, err
	}
	o.bus.Publish(ev)
	return ev, nil
}
