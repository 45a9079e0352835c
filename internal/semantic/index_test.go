package semantic

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"autopilot/internal/knowledge"
	"autopilot/internal/resolver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEngine embeds text as counts of a fixed vocabulary, so cosine
// similarity tracks shared words.
type keywordEngine struct {
	vocab    []string
	embedded atomic.Int32
	fail     bool
}

func (e *keywordEngine) vec(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		v[i] = float32(strings.Count(text, w))
	}
	return v
}

func (e *keywordEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("engine down")
	}
	return e.vec(text), nil
}

func (e *keywordEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("engine down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vec(t)
	}
	e.embedded.Add(int32(len(texts)))
	return out, nil
}

func (e *keywordEngine) Dimensions() int { return len(e.vocab) }
func (e *keywordEngine) Name() string    { return "keyword:test" }

func newTestIndex(t *testing.T, engine *keywordEngine) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"), engine, 2)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

var _ resolver.SemanticSearcher = (*Index)(nil)

func TestIndex_SearchRanksBySimilarity(t *testing.T) {
	engine := &keywordEngine{vocab: []string{"auth", "token", "sql", "index"}}
	idx := newTestIndex(t, engine)
	ctx := context.Background()

	_, err := idx.Upsert(ctx, []Document{
		{ID: "a", Content: "auth token rotation", Metadata: map[string]string{"title": "Tokens"}},
		{ID: "b", Content: "sql index tuning"},
		{ID: "c", Content: "auth flows"},
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, "auth token", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "auth token rotation", results[0].Content)
	assert.Equal(t, "Tokens", results[0].Metadata["title"])
	assert.Equal(t, "auth flows", results[1].Content)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestIndex_UpsertSkipsUnchangedDocuments(t *testing.T) {
	engine := &keywordEngine{vocab: []string{"a"}}
	idx := newTestIndex(t, engine)
	ctx := context.Background()
	docs := []Document{{ID: "1", Content: "a"}, {ID: "2", Content: "aa"}, {ID: "3", Content: "aaa"}}

	n, err := idx.Upsert(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	docs[1].Content = "changed a"
	n, err = idx.Upsert(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(4), engine.embedded.Load())

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIndex_SearchPropagatesEngineFailure(t *testing.T) {
	engine := &keywordEngine{vocab: []string{"a"}}
	idx := newTestIndex(t, engine)
	engine.fail = true

	_, err := idx.Search(context.Background(), "a", 3)
	assert.Error(t, err)
}

func TestIndexSnippets_IndexesAndPrunes(t *testing.T) {
	engine := &keywordEngine{vocab: []string{"auth", "commit"}}
	idx := newTestIndex(t, engine)
	ctx := context.Background()

	store := knowledge.NewStore()
	require.NoError(t, store.Load(knowledge.TierLocal, []knowledge.Snippet{{ID: "dup", Title: "Auth", Category: "Security", Body: "local auth"}}))
	require.NoError(t, store.Load(knowledge.TierBuiltIn, []knowledge.Snippet{
		{ID: "dup", Title: "Auth", Category: "Security", Body: "builtin auth"},
		{ID: "git", Title: "Commits", Category: "Git", Body: "commit often"},
	}))

	stats, err := IndexSnippets(ctx, idx, store)
	require.NoError(t, err)
	assert.Equal(t, IndexStats{Documents: 2, Embedded: 2}, stats)

	results, err := idx.Search(ctx, "auth", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "local", results[0].Metadata["tier"])
	assert.Equal(t, "dup", results[0].Metadata["id"])

	require.NoError(t, store.Load(knowledge.TierBuiltIn, nil))
	stats, err = IndexSnippets(ctx, idx, store)
	require.NoError(t, err)
	assert.Equal(t, IndexStats{Documents: 1, Embedded: 0, Pruned: 1}, stats)
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
