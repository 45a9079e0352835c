// Package resolver merges tier snippets and semantic search results into the
// context bundle handed to an agent turn.
//
// Resolution order is fixed: matching snippets from Local, Project, Org and
// BuiltIn (first (category, title) wins), then semantic results not already
// covered by a snippet, by descending score. A semantic search outage
// degrades the result instead of failing it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"autopilot/internal/knowledge"
	"autopilot/internal/logging"

	"go.uber.org/zap"
)

// SemanticResult is one ranked hit from the semantic search collaborator.
type SemanticResult struct {
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SemanticSearcher queries a vector knowledge base.
type SemanticSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SemanticResult, error)
}

// Query selects knowledge for one resolution.
type Query struct {
	Text     string           `json:"text"`
	Category string           `json:"category,omitempty"`
	Tags     []string         `json:"tags,omitempty"`
	Tiers    []knowledge.Tier `json:"tiers,omitempty"` // empty means all tiers
}

// ResolvedContext is the per-call result. It is never cached.
type ResolvedContext struct {
	Snippets  []knowledge.Snippet `json:"snippets"`
	Semantic  []SemanticResult    `json:"semantic"`
	Degraded  bool                `json:"degraded"`
	Truncated bool                `json:"truncated"`
}

// Size is the character count the budget applies to.
func (rc *ResolvedContext) Size() int {
	n := 0
	for _, s := range rc.Snippets {
		n += s.Size()
	}
	for _, r := range rc.Semantic {
		n += len(r.Content)
	}
	return n
}

// Empty reports whether nothing was resolved.
func (rc *ResolvedContext) Empty() bool {
	return len(rc.Snippets) == 0 && len(rc.Semantic) == 0
}

// Config tunes a Resolver.
type Config struct {
	BudgetChars        int // 0 disables truncation
	MaxSemanticResults int
	SearchTimeout      time.Duration
}

const (
	defaultMaxSemanticResults = 8
	defaultSearchTimeout      = 5 * time.Second
	minTermLen                = 3
)

// Resolver implements tiered snippet resolution. It is safe for concurrent use.
type Resolver struct {
	store  *knowledge.Store
	search SemanticSearcher
	cfg    Config
}

// New creates a resolver. search may be nil, in which case semantic results
// are never requested and results are not marked degraded.
func New(store *knowledge.Store, search SemanticSearcher, cfg Config) *Resolver {
	if cfg.MaxSemanticResults <= 0 {
		cfg.MaxSemanticResults = defaultMaxSemanticResults
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = defaultSearchTimeout
	}
	return &Resolver{store: store, search: search, cfg: cfg}
}

// Resolve builds a ResolvedContext for q. The only error it returns is the
// caller's context ending; search failures set Degraded instead.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*ResolvedContext, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "Resolve")
	defer timer.StopWithThreshold(r.cfg.SearchTimeout)

	rc := &ResolvedContext{}
	m := newMatcher(q)

	selectedIDs := make(map[string]bool)
	selectedKeys := make(map[knowledge.Key]bool)
	selectedBodies := make(map[string]bool)

	for _, tier := range tiersFor(q) {
		candidates := r.store.AllByTier(tier)
		// Most recently loaded first within a tier.
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LoadSeq > candidates[j].LoadSeq
		})
		for _, sn := range candidates {
			if !m.matches(sn) {
				continue
			}
			key := sn.Key()
			if selectedKeys[key] {
				logging.ResolverDebug("Dropping %s snippet %s: %q/%q already satisfied", tier, sn.ID, sn.Category, sn.Title)
				continue
			}
			selectedKeys[key] = true
			selectedIDs[sn.ID] = true
			selectedBodies[strings.TrimSpace(sn.Body)] = true
			rc.Snippets = append(rc.Snippets, sn)
		}
	}

	text := strings.TrimSpace(q.Text)
	if text != "" && r.search != nil {
		results, err := r.searchWithTimeout(ctx, text)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("resolve: %w", ctx.Err())
		case err != nil:
			rc.Degraded = true
			logging.ResolverWarn("Semantic search unavailable, returning tier-only context: %v", err)
			logging.Audit().Event(logging.AuditResolveDegrade, "", zap.String("query", text), zap.Error(err))
		default:
			for _, res := range results {
				if covered(res, selectedIDs, selectedKeys, selectedBodies) {
					continue
				}
				rc.Semantic = append(rc.Semantic, res)
			}
			sort.SliceStable(rc.Semantic, func(i, j int) bool {
				return rc.Semantic[i].Score > rc.Semantic[j].Score
			})
		}
	}

	r.truncate(rc)

	logging.ResolverDebug("Resolved %q: %d snippets, %d semantic, degraded=%v truncated=%v",
		text, len(rc.Snippets), len(rc.Semantic), rc.Degraded, rc.Truncated)
	return rc, nil
}

func (r *Resolver) searchWithTimeout(ctx context.Context, text string) ([]SemanticResult, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	type outcome struct {
		results []SemanticResult
		err     error
	}
	// Buffered so a searcher that ignores sctx can still finish and exit
	// after we stop waiting; its late result is dropped.
	done := make(chan outcome, 1)
	go func() {
		results, err := r.search.Search(sctx, text, r.cfg.MaxSemanticResults)
		done <- outcome{results, err}
	}()

	var results []SemanticResult
	var err error
	select {
	case out := <-done:
		results, err = out.results, out.err
		if err == nil && sctx.Err() != nil {
			err = sctx.Err()
		}
	case <-sctx.Done():
		err = sctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("semantic search timed out after %v: %w", r.cfg.SearchTimeout, err)
		}
		return nil, err
	}
	if len(results) > r.cfg.MaxSemanticResults {
		results = results[:r.cfg.MaxSemanticResults]
	}
	return results, nil
}

// truncate drops semantic results from the tail, then tier snippets from
// the tail (lowest precedence first), until the budget is met.
func (r *Resolver) truncate(rc *ResolvedContext) {
	if r.cfg.BudgetChars <= 0 {
		return
	}
	total := rc.Size()
	for total > r.cfg.BudgetChars && len(rc.Semantic) > 0 {
		last := rc.Semantic[len(rc.Semantic)-1]
		rc.Semantic = rc.Semantic[:len(rc.Semantic)-1]
		total -= len(last.Content)
		rc.Truncated = true
	}
	for total > r.cfg.BudgetChars && len(rc.Snippets) > 0 {
		last := rc.Snippets[len(rc.Snippets)-1]
		rc.Snippets = rc.Snippets[:len(rc.Snippets)-1]
		total -= last.Size()
		rc.Truncated = true
	}
	if rc.Truncated {
		logging.ResolverDebug("Truncated context to %d chars (budget %d)", total, r.cfg.BudgetChars)
	}
}

func tiersFor(q Query) []knowledge.Tier {
	if len(q.Tiers) == 0 {
		return knowledge.AllTiers
	}
	want := make(map[knowledge.Tier]bool, len(q.Tiers))
	for _, t := range q.Tiers {
		want[t] = true
	}
	// Precedence order is fixed regardless of the order the caller listed.
	out := make([]knowledge.Tier, 0, len(want))
	for _, t := range knowledge.AllTiers {
		if want[t] {
			out = append(out, t)
		}
	}
	return out
}

func covered(res SemanticResult, ids map[string]bool, keys map[knowledge.Key]bool, bodies map[string]bool) bool {
	if id := res.Metadata["id"]; id != "" && ids[id] {
		return true
	}
	if title := res.Metadata["title"]; title != "" {
		key := knowledge.Key{Category: knowledge.Normalize(res.Metadata["category"]), Title: knowledge.Normalize(title)}
		if keys[key] {
			return true
		}
	}
	return bodies[strings.TrimSpace(res.Content)]
}

// stopwords never count as query terms.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "not": true,
}

type matcher struct {
	category string
	tags     map[string]bool
	terms    []string
}

func newMatcher(q Query) *matcher {
	m := &matcher{category: knowledge.Normalize(q.Category), tags: map[string]bool{}}
	for _, t := range q.Tags {
		if n := knowledge.Normalize(t); n != "" {
			m.tags[n] = true
		}
	}
	m.terms = terms(q.Text)
	return m
}

func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < minTermLen || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func (m *matcher) matches(sn knowledge.Snippet) bool {
	cat := knowledge.Normalize(sn.Category)
	if m.category != "" && cat == m.category {
		return true
	}
	tags := make([]string, 0, len(sn.Tags))
	for _, t := range sn.Tags {
		n := knowledge.Normalize(t)
		if m.tags[n] {
			return true
		}
		tags = append(tags, n)
	}
	if len(m.terms) == 0 {
		return false
	}

	title := knowledge.Normalize(sn.Title)
	fields := append([]string{title, cat}, tags...)
	fields = append(fields, terms(title)...)
	for _, term := range m.terms {
		for _, f := range fields {
			if termMatches(term, f) {
				return true
			}
		}
	}
	return false
}

// termMatches is a substring match in either direction. The reverse
// direction ("authentication" contains "auth") requires a field of at
// least minTermLen characters.
func termMatches(term, field string) bool {
	if field == "" {
		return false
	}
	if strings.Contains(field, term) {
		return true
	}
	return len(field) >= minTermLen && strings.Contains(term, field)
}
