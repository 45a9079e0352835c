package semantic

import (
	"context"
	"fmt"

	"autopilot/internal/knowledge"
	"autopilot/internal/logging"
)

// SnippetDocument converts a snippet into an index document. The metadata
// lets the resolver recognise results that duplicate a tier snippet.
func SnippetDocument(sn knowledge.Snippet) Document {
	return Document{
		ID:      sn.ID,
		Content: sn.Title + "\n\n" + sn.Body,
		Metadata: map[string]string{
			"id":       sn.ID,
			"title":    sn.Title,
			"category": sn.Category,
			"tier":     sn.Tier.String(),
			"source":   sn.SourcePath,
		},
	}
}

// IndexStats summarises an IndexSnippets run.
type IndexStats struct {
	Documents int
	Embedded  int
	Pruned    int
}

// IndexSnippets brings the index in line with every snippet in store:
// new or changed snippets are embedded, removed ones are pruned.
func IndexSnippets(ctx context.Context, idx *Index, store *knowledge.Store) (IndexStats, error) {
	var docs []Document
	keep := map[string]bool{}
	for _, tier := range knowledge.AllTiers {
		for _, sn := range store.AllByTier(tier) {
			// Ids are unique per tier only; the higher tier keeps the slot.
			if keep[sn.ID] {
				continue
			}
			keep[sn.ID] = true
			docs = append(docs, SnippetDocument(sn))
		}
	}

	stats := IndexStats{Documents: len(docs)}
	embedded, err := idx.Upsert(ctx, docs)
	stats.Embedded = embedded
	if err != nil {
		return stats, fmt.Errorf("index snippets: %w", err)
	}
	pruned, err := idx.Prune(ctx, keep)
	stats.Pruned = pruned
	if err != nil {
		return stats, fmt.Errorf("prune index: %w", err)
	}

	logging.Knowledge("Indexed %d snippets (%d embedded, %d pruned)", stats.Documents, stats.Embedded, stats.Pruned)
	return stats, nil
}
