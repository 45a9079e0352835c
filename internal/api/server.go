// Package api is the HTTP front door of the orchestrator: JSON endpoints
// for session control and knowledge resolution, and a server-sent events
// stream of session progress.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"autopilot/internal/logging"
	"autopilot/internal/orchestrator"
	"autopilot/internal/resolver"
	"autopilot/internal/session"
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	CreateSession(ctx context.Context, req orchestrator.CreateRequest) (session.Session, error)
	ControlSession(ctx context.Context, id string, cmd session.Command) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	ListProgress(ctx context.Context, id string, sinceSeq int64) ([]session.ProgressEvent, error)
	SubscribeProgress(ctx context.Context, id string, sinceSeq int64) (<-chan session.ProgressEvent, error)
	ResolveKnowledge(ctx context.Context, q resolver.Query) (*resolver.ResolvedContext, error)
}

const (
	defaultMaxBodyBytes = 1 << 20
	defaultHeartbeat    = 15 * time.Second
)

// Server serves the HTTP API.
type Server struct {
	svc       Service
	mux       *http.ServeMux
	heartbeat time.Duration
	maxBody   int64

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer builds the router.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		mux:       http.NewServeMux(),
		heartbeat: defaultHeartbeat,
		maxBody:   defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /sessions", s.handleCreate)
	s.mux.HandleFunc("GET /sessions", s.handleList)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	s.mux.HandleFunc("POST /sessions/{id}/control", s.handleControl)
	s.mux.HandleFunc("GET /sessions/{id}/progress", s.handleProgress)
	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /knowledge", s.handleKnowledge)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds addr and serves in the background. Request contexts derive
// from ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("api: server already started")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.listener = listener
	s.server = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryAPI).Error("Serve error: %v", err)
		}
	}()
	logging.API("Listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open event streams end when the context passed to Start is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	return err
}
