package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestFindTopK_StableAndCapped(t *testing.T) {
	corpus := [][]float32{{0, 1}, {1, 0}, {1, 0}, {1, 1}, {1}}
	got := FindTopK([]float32{1, 0}, corpus, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Index, got[1].Index, got[2].Index})
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(context.Background(), Config{Provider: "none"})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = NewEngine(context.Background(), Config{Provider: "bogus"})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), Config{Provider: "genai"})
	assert.Error(t, err, "missing API key")

	e, err := NewEngine(context.Background(), Config{Provider: "ollama", OllamaModel: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:m", e.Name())
}

func TestOllamaEngine_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		embs := make([][]float32, len(req.Input))
		for i := range req.Input {
			embs[i] = []float32{float32(i), 1, 0}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "embeddings": embs})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "test-model")
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, vecs)
	assert.Equal(t, 3, e.Dimensions())

	single, err := e.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, single)
}

func TestOllamaEngine_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "missing")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "a")
	assert.Error(t, err)
}

func TestSelectTaskType(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_QUERY", SelectTaskType(ContentTypeQuery))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", SelectTaskType(DocumentContentType("go")))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", SelectTaskType(DocumentContentType("")))
	assert.Equal(t, "SEMANTIC_SIMILARITY", SelectTaskType("other"))
}
