// Package knowledge holds the four-tier snippet corpus that feeds agent turns.
//
// Snippets come from four sources, in precedence order:
//
//	Local   - per-user snippets in the workspace (.autopilot/snippets)
//	Project - snippets checked into the target repository
//	Org     - a shared organisation directory
//	BuiltIn - snippets embedded in the binary
//
// The Store in this package is deliberately dumb: it partitions snippets by
// tier and never applies precedence. Precedence and deduplication live in
// the resolver package.
package knowledge

import (
	"fmt"
	"strings"
)

// Tier is a snippet source precedence level. Lower values win.
type Tier int

const (
	TierLocal Tier = iota
	TierProject
	TierOrg
	TierBuiltIn
)

// AllTiers lists every tier in precedence order.
var AllTiers = []Tier{TierLocal, TierProject, TierOrg, TierBuiltIn}

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierProject:
		return "project"
	case TierOrg:
		return "org"
	case TierBuiltIn:
		return "builtin"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return TierLocal, nil
	case "project":
		return TierProject, nil
	case "org":
		return TierOrg, nil
	case "builtin", "built-in", "built_in":
		return TierBuiltIn, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Snippet is one immutable knowledge record.
type Snippet struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags,omitempty"`
	Language   string   `json:"language,omitempty"`
	Body       string   `json:"body"`
	Tier       Tier     `json:"tier"`
	SourcePath string   `json:"source_path,omitempty"`

	// LoadSeq orders snippets by load recency; assigned by Store.Load.
	LoadSeq uint64 `json:"-"`
}

// Key is the deduplication key: category plus normalized title.
type Key struct {
	Category string
	Title    string
}

// Key returns the snippet's deduplication key.
func (s Snippet) Key() Key {
	return Key{Category: Normalize(s.Category), Title: Normalize(s.Title)}
}

// Size is the snippet's contribution to a character budget.
func (s Snippet) Size() int {
	return len(s.Title) + len(s.Body)
}

// HasTag reports whether the snippet carries tag (case-insensitive).
func (s Snippet) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Normalize lowercases s and collapses internal whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
