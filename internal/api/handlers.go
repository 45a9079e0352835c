package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"autopilot/internal/knowledge"
	"autopilot/internal/logging"
	"autopilot/internal/orchestrator"
	"autopilot/internal/resolver"
	"autopilot/internal/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ControlRequest is the body of POST /sessions/{id}/control.
type ControlRequest struct {
	Command string `json:"command"`
}

const (
	codeBadRequest        = "bad_request"
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeAlreadyRunning    = "already_running"
	codeInvariant         = "invariant"
	codeUnavailable       = "unavailable"
	codeInternal          = "internal"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err)
	case errors.Is(err, session.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, codeAlreadyRunning, err)
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err)
	case errors.Is(err, session.ErrInvariant):
		writeError(w, http.StatusBadRequest, codeInvariant, err)
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err)
	default:
		logging.Get(logging.CategoryAPI).Error("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, codeInternal, err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, errors.New("payload exceeds limit"))
			return false
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, errors.New("unable to read body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, errors.New("invalid JSON"))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logging.APIDebug("Created session %s", sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if !s.decode(w, r, &req) {
		return
	}
	cmd, err := session.ParseCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	id := r.PathValue("id")
	logging.API("Session %s: %s", id, cmd)
	sess, err := s.svc.ControlSession(r.Context(), id, cmd)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	events, err := s.svc.ListProgress(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []session.ProgressEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := resolver.Query{
		Text:     q.Get("q"),
		Category: q.Get("category"),
		Tags:     splitList(q.Get("tags")),
	}
	for _, name := range splitList(q.Get("tiers")) {
		tier, err := knowledge.ParseTier(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err)
			return
		}
		query.Tiers = append(query.Tiers, tier)
	}

	rc, err := s.svc.ResolveKnowledge(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// sinceParam reads ?since=N, falling back to the Last-Event-ID header a
// reconnecting event source sends.
func sinceParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, errors.New("since must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
