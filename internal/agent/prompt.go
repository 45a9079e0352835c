package agent

import (
	"fmt"
	"strings"

	"autopilot/internal/resolver"
	"autopilot/internal/session"
)

// BuildPrompt renders the turn prompt: session state, then resolved
// knowledge, then the previous turn's summary.
func BuildPrompt(s session.Session, rc *resolver.ResolvedContext, previous string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Autonomous session %s\n\n", s.ID)
	fmt.Fprintf(&sb, "Specification: %s\n", s.SpecReference)
	fmt.Fprintf(&sb, "Progress: %d of %d features passing.\n", s.CompletedFeatures, s.TotalFeatures)
	sb.WriteString("Implement the next failing feature, verify it, and mark it passing in the feature list.\n")

	if knowledge := rc.Render(); knowledge != "" {
		sb.WriteString("\n")
		sb.WriteString(knowledge)
	}
	if previous = strings.TrimSpace(previous); previous != "" {
		sb.WriteString("\n## Previous turn\n")
		sb.WriteString(previous)
		sb.WriteString("\n")
	}
	return sb.String()
}

// QueryFor builds the knowledge query for the next turn of s.
func QueryFor(s session.Session, previous string) resolver.Query {
	text := s.SpecReference
	if line := firstLine(previous); line != "" {
		text += " " + line
	}
	return resolver.Query{Text: text, Tags: s.Tags}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
