package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"autopilot/internal/logging"
)

// handleEvents streams progress as server-sent events. Each event carries
// its sequence number as the SSE id so a reconnecting client resumes with
// Last-Event-ID. The stream ends after the terminal status event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, errors.New("streaming unsupported"))
		return
	}
	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	events, err := s.svc.SubscribeProgress(r.Context(), id, since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.APIDebug("Event stream opened for %s from seq %d", id, since)
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logging.APIDebug("Event stream closed for %s", id)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Get(logging.CategoryAPI).Error("Encode event %s/%d: %v", id, ev.Seq, err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", ev.Seq, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			// The subscription goroutine sees the same context and closes
			// events; drain so it can exit.
			for range events {
			}
			return
		}
	}
}
