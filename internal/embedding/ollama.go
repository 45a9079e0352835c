package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"autopilot/internal/logging"

	"github.com/ollama/ollama/api"
)

const (
	DefaultOllamaEndpoint = "http://localhost:11434"
	DefaultOllamaModel    = "nomic-embed-text"
)

// OllamaEngine generates embeddings with a local Ollama server.
type OllamaEngine struct {
	client *api.Client
	model  string
	dims   atomic.Int64
}

// NewOllamaEngine creates an engine for the Ollama server at endpoint.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", endpoint, err)
	}
	return &OllamaEngine{
		client: api.NewClient(base, &http.Client{Timeout: 60 * time.Second}),
		model:  model,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one /api/embed call.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryEmbedding, "OllamaEngine.EmbedBatch")
	defer timer.Stop()

	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	if len(resp.Embeddings[0]) > 0 {
		e.dims.Store(int64(len(resp.Embeddings[0])))
	}
	logging.EmbeddingDebug("Ollama embedded %d texts with %s", len(texts), e.model)
	return resp.Embeddings, nil
}

// Dimensions returns the vector size seen in the last response.
func (e *OllamaEngine) Dimensions() int { return int(e.dims.Load()) }

// Name returns the engine name.
func (e *OllamaEngine) Name() string { return "ollama:" + e.model }

// HealthCheck pings the Ollama server.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	if err := e.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	return nil
}
