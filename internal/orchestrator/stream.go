package orchestrator

import (
	"context"

	"autopilot/internal/broadcast"
	"autopilot/internal/logging"
	"autopilot/internal/session"
)

// SubscribeProgress streams a session's events with seq > sinceSeq: first
// the catch-up from the progress log, then the live tail. Events arrive in
// strictly increasing seq order without duplicates. If the live
// subscription is dropped for falling behind, the stream catches up from
// the log again. The channel closes after the event carrying a terminal
// status, when ctx ends, or when the broadcaster closes.
func (o *Orchestrator) SubscribeProgress(ctx context.Context, id string, sinceSeq int64) (<-chan session.ProgressEvent, error) {
	if _, err := o.GetSession(ctx, id); err != nil {
		return nil, err
	}
	out := make(chan session.ProgressEvent, 16)
	go o.stream(ctx, id, sinceSeq, out)
	return out, nil
}

func (o *Orchestrator) stream(ctx context.Context, id string, last int64, out chan<- session.ProgressEvent) {
	defer close(out)

	send := func(ev session.ProgressEvent) bool {
		select {
		case out <- ev:
			last = ev.Seq
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		// Subscribe before reading the log so nothing falls between the two.
		sub := o.bus.Subscribe(id)
		done, resubscribe := o.catchUp(ctx, sub, id, &last, send)
		sub.Close()
		if done || !resubscribe {
			return
		}
		logging.BroadcastDebug("Stream for %s fell behind at seq %d, catching up", id, last)
	}
}

// catchUp replays the log after *last and then forwards the live tail.
// It reports done when the stream should end and resubscribe when the
// subscription was dropped.
func (o *Orchestrator) catchUp(ctx context.Context, sub *broadcast.Subscription, id string, last *int64, send func(session.ProgressEvent) bool) (done, resubscribe bool) {
	backlog, err := o.ListProgress(ctx, id, *last)
	if err != nil {
		logging.BroadcastWarn("Stream for %s: catch-up failed: %v", id, err)
		return true, false
	}
	for _, ev := range backlog {
		if !send(ev) || ev.Status.Terminal() {
			return true, false
		}
	}
	if sess, err := o.GetSession(ctx, id); err != nil || sess.Status.Terminal() {
		// The terminal event may have landed after the first read.
		rest, _ := o.ListProgress(ctx, id, *last)
		for _, ev := range rest {
			if !send(ev) {
				break
			}
		}
		return true, false
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false, sub.Dropped()
			}
			if ev.Seq <= *last {
				continue
			}
			if !send(ev) || ev.Status.Terminal() {
				return true, false
			}
		case <-ctx.Done():
			return true, false
		}
	}
}
