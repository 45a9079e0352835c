// Package orchestrator drives autonomous coding sessions. It is the only
// writer of session records: control commands, the per-session driver loop
// and crash recovery all mutate sessions through compare-and-swap on the
// session store, and every state change is appended to the progress log
// and published to live subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/broadcast"
	"autopilot/internal/config"
	"autopilot/internal/resolver"
	"autopilot/internal/session"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by control operations after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

// errNotRunning aborts a driver-side write when the session left Running
// behind the driver's back.
var errNotRunning = fmt.Errorf("%w: session is no longer running", session.ErrInvalidTransition)

// errDriverAttached aborts a direct control write when a driver took the
// session in the meantime.
var errDriverAttached = fmt.Errorf("%w: session acquired a driver", session.ErrInvalidTransition)

// Resolver builds the knowledge context for a turn.
type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) (*resolver.ResolvedContext, error)
}

// Config tunes the driver loops.
type Config struct {
	MaxRetries         int           // turn attempts before a session fails
	RetryBackoffBase   time.Duration // first retry delay
	RetryBackoffMax    time.Duration
	TurnTimeout        time.Duration // resolve + agent call
	StorageRetries     int           // attempts per store operation
	StorageBackoff     time.Duration
	CASRetries         int // version conflicts tolerated per write
	MaxConcurrentTurns int // agent calls in flight across all sessions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryBackoffBase:   5 * time.Second,
		RetryBackoffMax:    5 * time.Minute,
		TurnTimeout:        30 * time.Minute,
		StorageRetries:     3,
		StorageBackoff:     100 * time.Millisecond,
		CASRetries:         5,
		MaxConcurrentTurns: 4,
	}
}

// ConfigFrom maps the orchestrator section of the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxRetries:         c.Orchestrator.MaxRetries,
		RetryBackoffBase:   c.GetRetryBackoffBase(),
		RetryBackoffMax:    c.GetRetryBackoffMax(),
		TurnTimeout:        c.GetTurnTimeout(),
		StorageRetries:     c.Orchestrator.StorageRetries,
		CASRetries:         c.Orchestrator.CASRetries,
		MaxConcurrentTurns: c.Orchestrator.MaxConcurrentTurns,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = d.RetryBackoffBase
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = d.TurnTimeout
	}
	if c.StorageRetries <= 0 {
		c.StorageRetries = d.StorageRetries
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = d.StorageBackoff
	}
	if c.CASRetries < 0 {
		c.CASRetries = d.CASRetries
	}
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = d.MaxConcurrentTurns
	}
	return c
}

// Orchestrator owns session lifecycles.
type Orchestrator struct {
	store    session.Store
	resolver Resolver
	agent    agent.Agent
	bus      *broadcast.Broadcaster
	cfg      Config
	turns    *semaphore.Weighted

	// ctx is cancelled only when Shutdown runs out of time; it aborts
	// turns in flight.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool

	emitLocks [32]sync.Mutex
}

// New wires an orchestrator. res may be nil, in which case turns run
// without knowledge context.
func New(store session.Store, res Resolver, ag agent.Agent, bus *broadcast.Broadcaster, cfg Config) *Orchestrator {
	if bus == nil {
		bus = broadcast.New(broadcast.DefaultBuffer)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		resolver: res,
		agent:    ag,
		bus:      bus,
		cfg:      cfg,
		turns:    semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
		ctx:      ctx,
		cancel:   cancel,
		drivers:  make(map[string]*driver),
	}
}

// Broadcaster returns the progress fan-out used by the orchestrator.
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster { return o.bus }

// driver is the slot held by the single loop driving a session.
type driver struct {
	id     string
	ctx    context.Context // cancelled when a control request arrives
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending session.Command
}

// request asks the driver to park at its next turn boundary. Stop wins
// over Pause.
func (d *driver) request(cmd session.Command) {
	d.mu.Lock()
	if d.pending != session.CommandStop {
		d.pending = cmd
	}
	d.mu.Unlock()
	d.cancel()
}

func (d *driver) requested() session.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// acquire registers the driver slot for id. It fails with
// ErrAlreadyRunning while another driver holds it.
func (o *Orchestrator) acquire(id string) (*driver, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.drivers[id]; ok {
		return nil, fmt.Errorf("%w: %s", session.ErrAlreadyRunning, id)
	}
	ctx, cancel := context.WithCancel(o.ctx)
	d := &driver{id: id, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.drivers[id] = d
	o.wg.Add(1)
	return d, nil
}

func (o *Orchestrator) release(d *driver) {
	o.mu.Lock()
	if o.drivers[d.id] == d {
		delete(o.drivers, d.id)
	}
	o.mu.Unlock()
	d.cancel()
	close(d.done)
	o.wg.Done()
}

func (o *Orchestrator) driverFor(id string) *driver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drivers[id]
}

// HasDriver reports whether a driver loop currently owns the session.
func (o *Orchestrator) HasDriver(id string) bool {
	return o.driverFor(id) != nil
}

// DriverCount returns the number of live driver loops.
func (o *Orchestrator) DriverCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.drivers)
}

func (o *Orchestrator) emitLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &o.emitLocks[h.Sum32()%uint32(len(o.emitLocks))]
}
