// Package embedding turns text into vectors for the semantic knowledge index.
// Backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"autopilot/internal/logging"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size, or 0 if not yet known.
	Dimensions() int

	// Name identifies the engine and model, e.g. "ollama:nomic-embed-text".
	Name() string
}

// TaskTypeAwareEngine is implemented by engines that tune embeddings for
// the retrieval side (query vs. document).
type TaskTypeAwareEngine interface {
	EmbedWithTask(ctx context.Context, text string, taskType string) ([]float32, error)
}

// HealthChecker is implemented by engines that can verify their backend is
// reachable before a bulk index run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ErrDisabled is returned by NewEngine for provider "none".
var ErrDisabled = errors.New("embedding: provider disabled")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	Provider string // "none", "ollama" or "genai"

	OllamaEndpoint string
	OllamaModel    string

	GenAIAPIKey string
	GenAIModel  string
}

// DefaultConfig returns local Ollama defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: DefaultOllamaEndpoint,
		OllamaModel:    DefaultOllamaModel,
		GenAIModel:     DefaultGenAIModel,
	}
}

// NewEngine creates the engine named by cfg.Provider.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	var engine Engine
	var err error

	switch cfg.Provider {
	case "", "none":
		return nil, ErrDisabled
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s", cfg.GenAIModel)
		engine, err = NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'none', 'ollama' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: %s", engine.Name())
	return engine, nil
}

// EmbedQuery embeds a search query, using the retrieval-query task type
// when the engine supports it.
func EmbedQuery(ctx context.Context, e Engine, text string) ([]float32, error) {
	if ta, ok := e.(TaskTypeAwareEngine); ok {
		return ta.EmbedWithTask(ctx, text, SelectTaskType(ContentTypeQuery))
	}
	return e.Embed(ctx, text)
}

// =============================================================================
// SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// A zero vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one entry of a FindTopK result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the k corpus vectors most similar to query, by descending
// similarity. Equal similarities keep corpus order. Vectors of the wrong
// dimension are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
