package knowledge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autopilot/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Local and Project tiers when their directories change.
// Reloads are debounced per tier and always replace the tier wholesale.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       *Store
	loaders     []*DirLoader
	pending     map[Tier]time.Time
	debounceDur time.Duration
	onReload    func(Tier, []Snippet)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events    int
	Reloads   int
	Errors    int
	LastEvent time.Time
}

// NewWatcher creates a watcher for the given directory loaders. Loaders
// without an OS directory, or for tiers other than Local and Project, are
// ignored: Org and BuiltIn only load at startup.
func NewWatcher(store *Store, debounce time.Duration, loaders ...*DirLoader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		watcher:     fw,
		store:       store,
		pending:     make(map[Tier]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, l := range loaders {
		if l == nil || l.Dir() == "" {
			continue
		}
		if l.Tier() != TierLocal && l.Tier() != TierProject {
			continue
		}
		w.loaders = append(w.loaders, l)
	}
	return w, nil
}

// OnReload registers a callback invoked after each successful tier reload.
func (w *Watcher) OnReload(fn func(Tier, []Snippet)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, l := range w.loaders {
		if err := os.MkdirAll(l.Dir(), 0755); err != nil {
			logging.KnowledgeWarn("Watcher: cannot create %s: %v (continuing anyway)", l.Dir(), err)
			continue
		}
		w.addTree(l.Dir())
	}

	go w.run(ctx)
	return nil
}

// addTree adds dir and all its subdirectories (fsnotify is not recursive).
func (w *Watcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			logging.KnowledgeWarn("Watcher: failed to watch %s: %v", p, err)
		} else {
			logging.KnowledgeDebug("Watcher: watching %s", p)
		}
		return nil
	})
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.KnowledgeWarn("Watcher: error closing: %v", err)
	}
}

// Stats returns a snapshot of watcher counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounceDur / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.KnowledgeWarn("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) loaderFor(path string) *DirLoader {
	for _, l := range w.loaders {
		rel, err := filepath.Rel(l.Dir(), path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return l
		}
	}
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	l := w.loaderFor(event.Name)
	if l == nil {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.addTree(event.Name)
		}
	}

	logging.KnowledgeDebug("Watcher: %s %s (%s tier)", event.Op, event.Name, l.Tier())

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEvent = time.Now()
	w.pending[l.Tier()] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var due []Tier
	for tier, at := range w.pending {
		if now.Sub(at) >= w.debounceDur {
			due = append(due, tier)
			delete(w.pending, tier)
		}
	}
	w.mu.Unlock()

	for _, tier := range due {
		w.Reload(ctx, tier)
	}
}

// Reload reloads one tier immediately.
func (w *Watcher) Reload(ctx context.Context, tier Tier) {
	for _, l := range w.loaders {
		if l.Tier() != tier {
			continue
		}
		snippets, err := l.Load(ctx)
		if err == nil {
			err = w.store.Load(tier, snippets)
		}
		w.mu.Lock()
		if err != nil {
			w.stats.Errors++
		} else {
			w.stats.Reloads++
		}
		cb := w.onReload
		w.mu.Unlock()

		if err != nil {
			logging.KnowledgeWarn("Watcher: reload of %s tier failed, keeping previous snippets: %v", tier, err)
			return
		}
		logging.Knowledge("Watcher: reloaded %s tier (%d snippets)", tier, len(snippets))
		if cb != nil {
			cb(tier, w.store.AllByTier(tier))
		}
	}
}
