package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/broadcast"
	"autopilot/internal/config"
	"autopilot/internal/knowledge"
	"autopilot/internal/resolver"
	"autopilot/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HARNESS
// =============================================================================

type setup struct {
	cfg      Config
	buffer   int
	resolver Resolver
}

type option func(*setup)

func withConfig(f func(*Config)) option { return func(s *setup) { f(&s.cfg) } }
func withBuffer(n int) option { return func(s *setup) { s.buffer = n } }
func withResolver(r Resolver) option { return func(s *setup) { s.resolver = r } }

func newTestOrchestrator(t *testing.T, st session.Store, ag agent.Agent, opts ...option) *Orchestrator {
	t.Helper()
	s := setup{
		cfg: Config{
			MaxRetries:         3,
			RetryBackoffBase:   time.Millisecond,
			RetryBackoffMax:    5 * time.Millisecond,
			TurnTimeout:        5 * time.Second,
			StorageRetries:     3,
			StorageBackoff:     time.Millisecond,
			CASRetries:         5,
			MaxConcurrentTurns: 4,
		},
		buffer: 256,
	}
	for _, opt := range opts {
		opt(&s)
	}
	bus := broadcast.New(s.buffer)
	o := New(st, s.resolver, ag, bus, s.cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, o.Shutdown(ctx))
		bus.Close()
	})
	return o
}

type fakeAgent struct {
	fn func(ctx context.Context, in agent.TurnInput) (agent.TurnResult, error)

	mu     sync.Mutex
	calls  []agent.TurnInput
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeAgent) Execute(ctx context.Context, in agent.TurnInput) (agent.TurnResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	return f.fn(ctx, in)
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAgent) call(i int) agent.TurnInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func progressAgent(delta int) *fakeAgent {
	return &fakeAgent{fn: func(_ context.Context, in agent.TurnInput) (agent.TurnResult, error) {
		return agent.TurnResult{Delta: delta, Text: fmt.Sprintf("turn at %d", in.Session.CompletedFeatures)}, nil
	}}
}

// gate blocks every agent call until the test releases it.
type gate struct {
	entered chan agent.TurnInput
	release chan agent.TurnResult
}

func newGate() *gate {
	return &gate{entered: make(chan agent.TurnInput, 16), release: make(chan agent.TurnResult)}
}

func (g *gate) agent() *fakeAgent {
	return &fakeAgent{fn: func(ctx context.Context, in agent.TurnInput) (agent.TurnResult, error) {
		g.entered <- in
		select {
		case r := <-g.release:
			return r, nil
		case <-ctx.Done():
			return agent.TurnResult{}, ctx.Err()
		}
	}}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting on channel")
	}
	var zero T
	return zero
}

func waitStatus(t *testing.T, st *memStore, id string, want session.Status) session.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := st.Get(context.Background(), id)
		return err == nil && s.Status == want
	}, 5*time.Second, 2*time.Millisecond, "session %s never reached %s", id, want)
	s, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func waitIdle(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.HasDriver(id) }, 5*time.Second, 2*time.Millisecond)
}

// waitRequested blocks until the session's driver has seen cmd.
func waitRequested(t *testing.T, o *Orchestrator, id string, cmd session.Command) {
	t.Helper()
	require.Eventually(t, func() bool {
		d := o.driverFor(id)
		return d != nil && d.requested() == cmd
	}, 5*time.Second, time.Millisecond)
}

func create(t *testing.T, o *Orchestrator, total int) session.Session {
	t.Helper()
	s, err := o.CreateSession(context.Background(), CreateRequest{SpecReference: "specs/app.md", TotalFeatures: total})
	require.NoError(t, err)
	return s
}

// checkHistory asserts the invariants that must hold over every committed
// version of a session.
func checkHistory(t *testing.T, st *memStore, id string) {
	t.Helper()
	versions := st.versions(id)
	require.NotEmpty(t, versions)
	for i, v := range versions {
		assert.GreaterOrEqual(t, v.CompletedFeatures, 0)
		assert.LessOrEqual(t, v.CompletedFeatures, v.TotalFeatures)
		if i == 0 {
			continue
		}
		prev := versions[i-1]
		assert.False(t, prev.Status.Terminal(), "version %d written after terminal status %s", v.Version, prev.Status)
		assert.Equal(t, prev.TotalFeatures, v.TotalFeatures)
		assert.GreaterOrEqual(t, v.CompletedFeatures, prev.CompletedFeatures)
		assert.Equal(t, prev.Version+1, v.Version)
	}
}

func events(t *testing.T, st *memStore, id string) []session.ProgressEvent {
	t.Helper()
	evs, err := st.ListProgress(context.Background(), id, 0)
	require.NoError(t, err)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	return evs
}

func messages(evs []session.ProgressEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Message
	}
	return out
}

func hasMessage(evs []session.ProgressEvent, substr string) bool {
	for _, ev := range evs {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestThreeSuccessfulTurnsComplete(t *testing.T) {
	st := newMemStore()
	ag := progressAgent(1)
	o := newTestOrchestrator(t, st, ag)

	sess := create(t, o, 3)
	assert.Equal(t, session.StatusCreated, sess.Status)
	assert.Equal(t, int64(1), sess.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := o.SubscribeProgress(ctx, sess.ID, 0)
	require.NoError(t, err)

	started, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, started.Status)

	var got []session.ProgressEvent
	for ev := range stream {
		got = append(got, ev)
	}
	assert.Equal(t, []string{
		"session created",
		"started",
		"turn 1 committed: +1 (1/3)",
		"turn 2 committed: +1 (2/3)",
		"turn 3 committed: +1 (3/3)",
		"completed: 3/3 features passing",
	}, messages(got))
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	final, err := o.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedFeatures)
	assert.Equal(t, "turn at 2", final.LastMessage)
	assert.Equal(t, 3, ag.callCount())
	assert.Equal(t, "turn at 0", ag.call(1).Previous)

	waitIdle(t, o, sess.ID)
	checkHistory(t, st, sess.ID)
}

func TestPauseBeforeFirstTurnCommitsKeepsZeroProgress(t *testing.T) {
	st := newMemStore()
	g := newGate()
	ag := g.agent()
	o := newTestOrchestrator(t, st, ag)
	ctx := context.Background()

	sess := create(t, o, 2)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	in := recv(t, g.entered)
	assert.Equal(t, 0, in.Session.CompletedFeatures)

	type result struct {
		s   session.Session
		err error
	}
	paused := make(chan result, 1)
	go func() {
		s, err := o.ControlSession(ctx, sess.ID, session.CommandPause)
		paused <- result{s, err}
	}()

	waitRequested(t, o, sess.ID, session.CommandPause)
	select {
	case <-paused:
		t.Fatal("pause returned while a turn was in flight")
	default:
	}

	g.release <- agent.TurnResult{Delta: 1, Text: "done mid-pause"}
	r := recv(t, paused)
	require.NoError(t, r.err)
	assert.Equal(t, session.StatusPaused, r.s.Status)
	assert.Equal(t, 0, r.s.CompletedFeatures)
	assert.False(t, o.HasDriver(sess.ID))

	resumed, err := o.ControlSession(ctx, sess.ID, session.CommandResume)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, resumed.Status)

	in = recv(t, g.entered)
	assert.Equal(t, 0, in.Session.CompletedFeatures, "resume continues from the stored count")
	assert.Equal(t, 1, in.Attempt)
	g.release <- agent.TurnResult{Delta: 1}
	in = recv(t, g.entered)
	assert.Equal(t, 1, in.Session.CompletedFeatures)
	g.release <- agent.TurnResult{Delta: 1}

	final := waitStatus(t, st, sess.ID, session.StatusCompleted)
	assert.Equal(t, 2, final.CompletedFeatures)
	assert.Equal(t, 3, ag.callCount())

	waitIdle(t, o, sess.ID)
	checkHistory(t, st, sess.ID)
	evs := events(t, st, sess.ID)
	assert.False(t, hasMessage(evs, "done mid-pause"))
	for _, ev := range evs {
		if ev.Message == "paused" {
			assert.Equal(t, 0, ev.CompletedFeatures)
		}
	}
}

func TestConcurrentStartsYieldOneDriver(t *testing.T) {
	st := newMemStore()
	g := newGate()
	ag := g.agent()
	o := newTestOrchestrator(t, st, ag)
	ctx := context.Background()
	sess := create(t, o, 1)

	const n = 8
	errs := make([]error, n)
	startLine := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-startLine
			_, errs[i] = o.ControlSession(ctx, sess.ID, session.CommandStart)
		}(i)
	}
	close(startLine)
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, session.ErrAlreadyRunning):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)

	recv(t, g.entered)
	assert.Equal(t, 1, o.DriverCount())
	g.release <- agent.TurnResult{Delta: 1}

	waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)
	assert.Equal(t, 1, ag.callCount())
	assert.Equal(t, int32(1), ag.peak.Load())
}

func TestTerminalSessionsIgnoreCommands(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1))
	ctx := context.Background()

	sess := create(t, o, 1)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	before := waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)

	for _, cmd := range []session.Command{session.CommandStart, session.CommandPause, session.CommandResume, session.CommandStop} {
		_, err := o.ControlSession(ctx, sess.ID, cmd)
		assert.ErrorIs(t, err, session.ErrInvalidTransition, "command %s", cmd)
	}

	after, err := o.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.CompletedFeatures, after.CompletedFeatures)
	assert.Equal(t, session.StatusCompleted, after.Status)
}

func TestControlErrors(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1))
	ctx := context.Background()

	_, err := o.ControlSession(ctx, "missing", session.CommandStart)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.False(t, o.HasDriver("missing"), "failed start releases the slot")
	_, err = o.ControlSession(ctx, "missing", session.CommandPause)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = o.ControlSession(ctx, "x", session.Command("jump"))
	assert.Error(t, err)

	_, err = o.CreateSession(ctx, CreateRequest{TotalFeatures: -1})
	assert.ErrorIs(t, err, session.ErrInvariant)

	sess := create(t, o, 2)
	_, err = o.ControlSession(ctx, sess.ID, session.CommandPause)
	var te *session.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, session.StatusCreated, te.From)
	_, err = o.ControlSession(ctx, sess.ID, session.CommandResume)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	stopped, err := o.ControlSession(ctx, sess.ID, session.CommandStop)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, stopped.Status)
	assert.Equal(t, []string{"session created", "stopped"}, messages(events(t, st, sess.ID)))
}

func TestStopRunningSession(t *testing.T) {
	st := newMemStore()
	g := newGate()
	o := newTestOrchestrator(t, st, g.agent())
	ctx := context.Background()

	sess := create(t, o, 3)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	recv(t, g.entered)
	g.release <- agent.TurnResult{Delta: 1}
	recv(t, g.entered)

	stopped := make(chan session.Session, 1)
	go func() {
		s, err := o.ControlSession(ctx, sess.ID, session.CommandStop)
		assert.NoError(t, err)
		stopped <- s
	}()
	waitRequested(t, o, sess.ID, session.CommandStop)
	g.release <- agent.TurnResult{Delta: 1}

	s := recv(t, stopped)
	assert.Equal(t, session.StatusStopped, s.Status)
	assert.Equal(t, 1, s.CompletedFeatures)
	_, err = o.ControlSession(ctx, sess.ID, session.CommandResume)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	checkHistory(t, st, sess.ID)
}

func TestZeroFeaturesCompleteImmediately(t *testing.T) {
	st := newMemStore()
	ag := progressAgent(1)
	o := newTestOrchestrator(t, st, ag)

	sess := create(t, o, 0)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)
	assert.Equal(t, 0, ag.callCount())
}

func TestDeltaIsClamped(t *testing.T) {
	st := newMemStore()
	var calls atomic.Int32
	ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
		if calls.Add(1) == 1 {
			return agent.TurnResult{Delta: -3}, nil
		}
		return agent.TurnResult{Delta: 5}, nil
	}}
	o := newTestOrchestrator(t, st, ag)

	sess := create(t, o, 2)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	final := waitStatus(t, st, sess.ID, session.StatusCompleted)
	assert.Equal(t, 2, final.CompletedFeatures)
	assert.Equal(t, 2, ag.callCount())
	waitIdle(t, o, sess.ID)
	checkHistory(t, st, sess.ID)
}

func TestConcurrentTurnsAreBounded(t *testing.T) {
	st := newMemStore()
	ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
		time.Sleep(5 * time.Millisecond)
		return agent.TurnResult{Delta: 1}, nil
	}}
	o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) { c.MaxConcurrentTurns = 2 }))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s := create(t, o, 3)
		ids = append(ids, s.ID)
		_, err := o.ControlSession(ctx, s.ID, session.CommandStart)
		require.NoError(t, err)
	}
	for _, id := range ids {
		waitStatus(t, st, id, session.StatusCompleted)
		waitIdle(t, o, id)
		checkHistory(t, st, id)
	}
	assert.Equal(t, 15, ag.callCount())
	assert.LessOrEqual(t, ag.peak.Load(), int32(2))
}

// =============================================================================
// FAILURES
// =============================================================================

func TestTransientFailureIsRetried(t *testing.T) {
	st := newMemStore()
	var calls atomic.Int32
	ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
		if calls.Add(1) == 1 {
			return agent.TurnResult{}, agent.Transient(errors.New("rate limited"))
		}
		return agent.TurnResult{Delta: 1}, nil
	}}
	o := newTestOrchestrator(t, st, ag)

	sess := create(t, o, 1)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	final := waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)

	assert.Equal(t, 1, final.CompletedFeatures)
	assert.Empty(t, final.LastError)
	assert.Equal(t, 2, ag.call(1).Attempt)
	assert.True(t, hasMessage(events(t, st, sess.ID), "retrying turn (attempt 2 of 3)"))

	var noted bool
	for _, v := range st.versions(sess.ID) {
		if strings.Contains(v.LastError, "rate limited") {
			noted = true
			assert.Equal(t, session.StatusRunning, v.Status)
			assert.Equal(t, 0, v.CompletedFeatures)
		}
	}
	assert.True(t, noted, "retryable failure leaves a note on the session")
	checkHistory(t, st, sess.ID)
}

func TestTurnFailuresFailSession(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantCalls int
		wantError string
	}{
		{"transient exhausts retries", agent.Transient(errors.New("upstream unavailable")), 2, "after 2 attempts"},
		{"logic exhausts retries", errors.New("tests still failing"), 2, "tests still failing"},
		{"fatal fails at once", agent.Fatal(errors.New("invalid api key")), 1, "agent failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
				return agent.TurnResult{}, tc.err
			}}
			o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) { c.MaxRetries = 2 }))

			sess := create(t, o, 2)
			_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
			require.NoError(t, err)
			final := waitStatus(t, st, sess.ID, session.StatusFailed)
			waitIdle(t, o, sess.ID)

			assert.Equal(t, tc.wantCalls, ag.callCount())
			assert.Equal(t, 0, final.CompletedFeatures)
			assert.Contains(t, final.LastError, tc.wantError)
			evs := events(t, st, sess.ID)
			assert.Equal(t, session.StatusFailed, evs[len(evs)-1].Status)
			checkHistory(t, st, sess.ID)
		})
	}
}

func TestTurnTimeoutIsRetryable(t *testing.T) {
	st := newMemStore()
	ag := &fakeAgent{fn: func(ctx context.Context, _ agent.TurnInput) (agent.TurnResult, error) {
		<-ctx.Done()
		return agent.TurnResult{}, ctx.Err()
	}}
	o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) {
		c.TurnTimeout = 20 * time.Millisecond
		c.MaxRetries = 2
	}))

	sess := create(t, o, 1)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	final := waitStatus(t, st, sess.ID, session.StatusFailed)
	waitIdle(t, o, sess.ID)
	assert.Equal(t, 2, ag.callCount())
	assert.Contains(t, final.LastError, "exceeded")
}

// deafAgent blocks every call until release is closed, whatever its context says.
func deafAgent(release <-chan struct{}) *fakeAgent {
	return &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
		<-release
		return agent.TurnResult{Delta: 1}, nil
	}}
}

func TestTurnTimeoutHoldsWhenAgentIgnoresContext(t *testing.T) {
	st := newMemStore()
	release := make(chan struct{})
	ag := deafAgent(release)
	o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) {
		c.TurnTimeout = 20 * time.Millisecond
		c.MaxRetries = 2
	}))
	t.Cleanup(func() { close(release) })

	sess := create(t, o, 1)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	final := waitStatus(t, st, sess.ID, session.StatusFailed)
	waitIdle(t, o, sess.ID)
	assert.Equal(t, 2, ag.callCount())
	assert.Contains(t, final.LastError, "exceeded")
	assert.Zero(t, final.CompletedFeatures)
}

func TestStopReachesTurnBoundaryWhenAgentHangs(t *testing.T) {
	st := newMemStore()
	release := make(chan struct{})
	o := newTestOrchestrator(t, st, deafAgent(release), withConfig(func(c *Config) {
		c.TurnTimeout = 50 * time.Millisecond
		c.MaxRetries = 100
	}))
	t.Cleanup(func() { close(release) })
	ctx := context.Background()

	sess := create(t, o, 3)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stopped, err := o.ControlSession(stopCtx, sess.ID, session.CommandStop)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, stopped.Status)
	waitIdle(t, o, sess.ID)
}

func TestPauseLosingToCompletionIsRejected(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1))
	ctx := context.Background()
	st.put(session.Session{ID: "racing", SpecReference: "a.md", TotalFeatures: 2, CompletedFeatures: 1, Status: session.StatusRunning})

	// Stand in for a driver that commits its last feature before it sees the pause.
	d, err := o.acquire("racing")
	require.NoError(t, err)
	go func() {
		for d.requested() == "" {
			time.Sleep(time.Millisecond)
		}
		_, err := st.CompareAndSwap(ctx, "racing", 1, func(s *session.Session) error {
			s.CompletedFeatures = 2
			s.Status = session.StatusCompleted
			return nil
		})
		assert.NoError(t, err)
		o.release(d)
	}()

	got, err := o.ControlSession(ctx, "racing", session.CommandPause)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	var te *session.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, session.StatusCompleted, te.From)
	assert.Equal(t, session.StatusCompleted, got.Status)
}

func TestPauseDuringBackoff(t *testing.T) {
	st := newMemStore()
	ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
		return agent.TurnResult{}, agent.Transient(errors.New("connection refused"))
	}}
	o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) {
		c.RetryBackoffBase = time.Hour
		c.RetryBackoffMax = time.Hour
	}))
	ctx := context.Background()

	sess := create(t, o, 1)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := st.Get(ctx, sess.ID)
		return s.LastError != ""
	}, 5*time.Second, 2*time.Millisecond)

	paused, err := o.ControlSession(ctx, sess.ID, session.CommandPause)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, paused.Status)
	assert.Equal(t, 1, ag.callCount())
}

func TestStorageFaults(t *testing.T) {
	cases := []struct {
		name       string
		inject     func(st *memStore)
		wantStatus session.Status
		wantError  string
	}{
		{"cas blip is retried", func(st *memStore) { st.injectCASFaults(1) }, session.StatusCompleted, ""},
		{"conflicts are re-read", func(st *memStore) { st.injectConflicts(2) }, session.StatusCompleted, ""},
		{"cas outage fails session", func(st *memStore) { st.injectCASFaults(3) }, session.StatusFailed, "disk I/O error"},
		{"conflict storm fails session", func(st *memStore) { st.injectConflicts(3) }, session.StatusFailed, "conflicting writes"},
		{"progress log outage fails session", func(st *memStore) { st.injectAppendFaults(3) }, session.StatusFailed, "disk I/O error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			var calls atomic.Int32
			ag := &fakeAgent{fn: func(context.Context, agent.TurnInput) (agent.TurnResult, error) {
				if calls.Add(1) == 1 {
					tc.inject(st)
				}
				return agent.TurnResult{Delta: 1}, nil
			}}
			o := newTestOrchestrator(t, st, ag, withConfig(func(c *Config) { c.CASRetries = 2 }))

			sess := create(t, o, 1)
			_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
			require.NoError(t, err)
			final := waitStatus(t, st, sess.ID, tc.wantStatus)
			waitIdle(t, o, sess.ID)
			if tc.wantError != "" {
				assert.Contains(t, final.LastError, tc.wantError)
			}
			assert.Equal(t, 1, ag.callCount())
			checkHistory(t, st, sess.ID)
		})
	}
}

// =============================================================================
// RECOVERY AND SHUTDOWN
// =============================================================================

func TestRecoverParksOrphanedSessions(t *testing.T) {
	st := newMemStore()
	st.put(session.Session{ID: "orphan", SpecReference: "a.md", Status: session.StatusRunning, TotalFeatures: 3, CompletedFeatures: 1})
	st.put(session.Session{ID: "fresh", Status: session.StatusCreated, TotalFeatures: 1})
	st.put(session.Session{ID: "paused", Status: session.StatusPaused, TotalFeatures: 1})
	st.put(session.Session{ID: "done", Status: session.StatusCompleted, TotalFeatures: 1, CompletedFeatures: 1})

	ag := progressAgent(1)
	o := newTestOrchestrator(t, st, ag)
	ctx := context.Background()

	n, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, o.DriverCount())
	assert.Equal(t, 0, ag.callCount(), "recovery never resumes work")

	orphan, err := o.GetSession(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, orphan.Status)
	assert.Equal(t, 1, orphan.CompletedFeatures)
	assert.Equal(t, []string{"paused: recovered after restart"}, messages(events(t, st, "orphan")))

	for id, want := range map[string]session.Status{"fresh": session.StatusCreated, "paused": session.StatusPaused, "done": session.StatusCompleted} {
		s, err := o.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, s.Status, id)
	}

	n, err = o.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = o.ControlSession(ctx, "orphan", session.CommandResume)
	require.NoError(t, err)
	waitStatus(t, st, "orphan", session.StatusCompleted)
	waitIdle(t, o, "orphan")
	assert.Equal(t, 1, ag.call(0).Session.CompletedFeatures)
	assert.Equal(t, 2, ag.callCount())
}

func TestShutdownPausesDrivenSessions(t *testing.T) {
	st := newMemStore()
	g := newGate()
	o := newTestOrchestrator(t, st, g.agent())

	sess := create(t, o, 2)
	_, err := o.ControlSession(context.Background(), sess.ID, session.CommandStart)
	require.NoError(t, err)
	recv(t, g.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = o.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s, err := o.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, s.Status)
	assert.Equal(t, 0, s.CompletedFeatures)
	assert.Zero(t, o.DriverCount())

	_, err = o.ControlSession(context.Background(), sess.ID, session.CommandResume)
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// PROGRESS STREAM AND KNOWLEDGE
// =============================================================================

func TestSubscribeProgressCatchUpFromSeq(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := create(t, o, 2)
	_, err := o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)

	stream, err := o.SubscribeProgress(ctx, sess.ID, 2)
	require.NoError(t, err)
	var seqs []int64
	for ev := range stream {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs)

	_, err = o.SubscribeProgress(ctx, "missing", 0)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSubscribeProgressSurvivesBeingDropped(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1), withBuffer(1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 30
	sess := create(t, o, total)
	stream, err := o.SubscribeProgress(ctx, sess.ID, 0)
	require.NoError(t, err)
	_, err = o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)

	var seqs []int64
	for ev := range stream {
		seqs = append(seqs, ev.Seq)
		time.Sleep(time.Millisecond)
	}
	require.Len(t, seqs, total+3)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
	waitIdle(t, o, sess.ID)
}

func TestSubscribeProgressEndsWithContext(t *testing.T) {
	st := newMemStore()
	o := newTestOrchestrator(t, st, progressAgent(1))
	sess := create(t, o, 1)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := o.SubscribeProgress(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "session created", recv(t, stream).Message)
	cancel()
	for range stream {
	}
}

func TestTurnsReceiveResolvedKnowledge(t *testing.T) {
	ks := knowledge.NewStore()
	require.NoError(t, ks.Load(knowledge.TierBuiltIn, []knowledge.Snippet{
		{ID: "b1", Category: "Security", Title: "Auth", Body: "Hash passwords with bcrypt.", Tier: knowledge.TierBuiltIn},
	}))
	res := resolver.New(ks, nil, resolver.Config{})

	st := newMemStore()
	ag := progressAgent(1)
	o := newTestOrchestrator(t, st, ag, withResolver(res))
	ctx := context.Background()

	sess, err := o.CreateSession(ctx, CreateRequest{SpecReference: "authentication", TotalFeatures: 1})
	require.NoError(t, err)
	_, err = o.ControlSession(ctx, sess.ID, session.CommandStart)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, session.StatusCompleted)
	waitIdle(t, o, sess.ID)

	in := ag.call(0)
	require.NotNil(t, in.Context)
	require.Len(t, in.Context.Snippets, 1)
	assert.Contains(t, in.Prompt, "Hash passwords with bcrypt.")

	rc, err := o.ResolveKnowledge(ctx, resolver.Query{Text: "authentication"})
	require.NoError(t, err)
	assert.Len(t, rc.Snippets, 1)
	assert.False(t, rc.Degraded)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestComputeRetryBackoff(t *testing.T) {
	o := &Orchestrator{cfg: Config{RetryBackoffBase: 5 * time.Second, RetryBackoffMax: 5 * time.Minute}}
	cases := []struct {
		kind    agent.Kind
		attempt int
		want    time.Duration
	}{
		{agent.KindTransient, 0, 5 * time.Second},
		{agent.KindTransient, 1, 5 * time.Second},
		{agent.KindTransient, 2, 10 * time.Second},
		{agent.KindTransient, 4, 40 * time.Second},
		{agent.KindTransient, 8, 5 * time.Minute},
		{agent.KindTransient, 60, 5 * time.Minute},
		{agent.KindLogic, 3, 20 * time.Second},
		{agent.KindLogic, 4, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, o.computeRetryBackoff(tc.kind, tc.attempt), "%s attempt %d", tc.kind, tc.attempt)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DefaultConfig())
	assert.Equal(t, DefaultConfig(), cfg)

	c := config.DefaultConfig()
	c.Orchestrator.MaxRetries = 0
	c.Orchestrator.TurnTimeout = "2m"
	cfg = ConfigFrom(c)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.TurnTimeout)
}
