package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"autopilot/internal/session"
)

var errDisk = errors.New("disk I/O error")

// memStore is an in-memory session.Store with fault injection. It keeps
// every committed version so tests can check invariants over a session's
// whole history.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	events   map[string][]session.ProgressEvent
	history  map[string][]session.Session

	casFaults    int // next CompareAndSwap calls failing with errDisk
	appendFaults int
	conflicts    int // next CompareAndSwap calls reporting a version conflict
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]session.Session),
		events:   make(map[string][]session.ProgressEvent),
		history:  make(map[string][]session.Session),
	}
}

// put seeds a session as if a previous process had written it.
func (m *memStore) put(s session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.ID] = s.Clone()
	m.history[s.ID] = append(m.history[s.ID], s.Clone())
}

func (m *memStore) injectCASFaults(n int) {
	m.mu.Lock()
	m.casFaults = n
	m.mu.Unlock()
}

func (m *memStore) injectConflicts(n int) {
	m.mu.Lock()
	m.conflicts = n
	m.mu.Unlock()
}

func (m *memStore) injectAppendFaults(n int) {
	m.mu.Lock()
	m.appendFaults = n
	m.mu.Unlock()
}

func (m *memStore) versions(id string) []session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Session(nil), m.history[id]...)
}

func (m *memStore) Create(_ context.Context, s session.Session) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return session.Session{}, fmt.Errorf("duplicate session %s", s.ID)
	}
	now := time.Now().UTC()
	s = s.Clone()
	s.Version = 1
	if s.Status == "" {
		s.Status = session.StatusCreated
	}
	s.CreatedAt, s.UpdatedAt = now, now
	if err := s.Validate(); err != nil {
		return session.Session{}, err
	}
	m.sessions[s.ID] = s
	m.history[s.ID] = append(m.history[s.ID], s.Clone())
	return s.Clone(), nil
}

func (m *memStore) Get(_ context.Context, id string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *memStore) CompareAndSwap(_ context.Context, id string, expected int64, mutate session.Mutation) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casFaults > 0 {
		m.casFaults--
		return session.Session{}, errDisk
	}
	before, ok := m.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if m.conflicts > 0 {
		m.conflicts--
		return session.Session{}, session.ErrVersionConflict
	}
	if before.Version != expected {
		return session.Session{}, session.ErrVersionConflict
	}
	after := before.Clone()
	if err := mutate(&after); err != nil {
		return session.Session{}, err
	}
	if err := session.CheckMutation(before, after); err != nil {
		return session.Session{}, err
	}
	after.Version = before.Version + 1
	after.UpdatedAt = time.Now().UTC()
	m.sessions[id] = after
	m.history[id] = append(m.history[id], after.Clone())
	return after.Clone(), nil
}

func (m *memStore) AppendProgress(_ context.Context, ev session.ProgressEvent) (session.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendFaults > 0 {
		m.appendFaults--
		return ev, errDisk
	}
	if _, ok := m.sessions[ev.SessionID]; !ok {
		return ev, fmt.Errorf("%w: %s", session.ErrNotFound, ev.SessionID)
	}
	ev.Seq = int64(len(m.events[ev.SessionID]) + 1)
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
	return ev, nil
}

func (m *memStore) ListProgress(_ context.Context, id string, since int64) ([]session.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.ProgressEvent
	for _, ev := range m.events[id] {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) ListActive(ctx context.Context) ([]session.Session, error) {
	all, _ := m.List(ctx)
	var out []session.Session
	for _, s := range all {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) List(context.Context) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Close() error { return nil }
