package knowledge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"autopilot/internal/logging"
)

// ErrNotFound is returned by Get when no tier holds the id.
var ErrNotFound = errors.New("knowledge: snippet not found")

// tierShard holds one tier's snippets behind its own lock so reloading
// one tier never blocks readers of another.
type tierShard struct {
	mu       sync.RWMutex
	snippets []Snippet
	byID     map[string]int
}

// Store is the process-wide, tier-partitioned snippet map.
type Store struct {
	shards  [numTiers]*tierShard
	loadSeq atomic.Uint64
}

const numTiers = 4

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &tierShard{byID: map[string]int{}}
	}
	return s
}

func (s *Store) shard(t Tier) (*tierShard, error) {
	if t < 0 || int(t) >= len(s.shards) {
		return nil, fmt.Errorf("knowledge: invalid tier %d", int(t))
	}
	return s.shards[t], nil
}

// Load replaces every snippet of tier atomically. Snippets are copied,
// stamped with the tier and a load sequence (later in the slice = more
// recent), and published in one swap so readers never see a mix.
func (s *Store) Load(tier Tier, snippets []Snippet) error {
	sh, err := s.shard(tier)
	if err != nil {
		return err
	}

	next := make([]Snippet, 0, len(snippets))
	byID := make(map[string]int, len(snippets))
	for _, sn := range snippets {
		if sn.ID == "" {
			return fmt.Errorf("knowledge: %s snippet %q has no id", tier, sn.Title)
		}
		if _, dup := byID[sn.ID]; dup {
			return fmt.Errorf("knowledge: duplicate id %q in %s tier", sn.ID, tier)
		}
		sn.Tier = tier
		sn.Tags = append([]string(nil), sn.Tags...)
		sn.LoadSeq = s.loadSeq.Add(1)
		byID[sn.ID] = len(next)
		next = append(next, sn)
	}

	sh.mu.Lock()
	sh.snippets = next
	sh.byID = byID
	sh.mu.Unlock()

	logging.Knowledge("Loaded %d snippets into %s tier", len(next), tier)
	return nil
}

// AllByTier returns a copy of the tier's snippets in load order.
func (s *Store) AllByTier(tier Tier) []Snippet {
	sh, err := s.shard(tier)
	if err != nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]Snippet, len(sh.snippets))
	copy(out, sh.snippets)
	return out
}

// Get looks up a snippet by id, searching tiers in precedence order.
func (s *Store) Get(id string) (Snippet, error) {
	for _, t := range AllTiers {
		sh := s.shards[t]
		sh.mu.RLock()
		idx, ok := sh.byID[id]
		var sn Snippet
		if ok {
			sn = sh.snippets[idx]
		}
		sh.mu.RUnlock()
		if ok {
			return sn, nil
		}
	}
	return Snippet{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Counts returns the number of snippets per tier.
func (s *Store) Counts() map[Tier]int {
	out := make(map[Tier]int, len(AllTiers))
	for _, t := range AllTiers {
		sh := s.shards[t]
		sh.mu.RLock()
		out[t] = len(sh.snippets)
		sh.mu.RUnlock()
	}
	return out
}
