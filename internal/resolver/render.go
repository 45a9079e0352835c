package resolver

import (
	"fmt"
	"strings"
)

// Render formats the context as prompt text. Snippets come first, in
// resolution order, then related semantic results.
func (rc *ResolvedContext) Render() string {
	if rc == nil || rc.Empty() {
		return ""
	}
	var sb strings.Builder
	if len(rc.Snippets) > 0 {
		sb.WriteString("## Project knowledge\n")
		for _, s := range rc.Snippets {
			fmt.Fprintf(&sb, "\n### %s / %s (%s)\n", s.Category, s.Title, s.Tier)
			if s.Language != "" {
				fmt.Fprintf(&sb, "```%s\n%s\n```\n", s.Language, strings.TrimSpace(s.Body))
			} else {
				sb.WriteString(strings.TrimSpace(s.Body))
				sb.WriteString("\n")
			}
		}
	}
	if len(rc.Semantic) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Related knowledge\n")
		for _, r := range rc.Semantic {
			fmt.Fprintf(&sb, "\n- (%.2f) %s\n", r.Score, strings.TrimSpace(r.Content))
		}
	}
	if rc.Degraded {
		sb.WriteString("\n_Semantic search was unavailable for this turn._\n")
	}
	return sb.String()
}
