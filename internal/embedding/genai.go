package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"autopilot/internal/logging"

	"google.golang.org/genai"
)

const DefaultGenAIModel = "gemini-embedding-001"

// GenAIEngine generates embeddings with the Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
	dims   atomic.Int64
}

// NewGenAIEngine creates a Gemini embedding engine.
func NewGenAIEngine(ctx context.Context, apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	e := &GenAIEngine{client: client, model: model}
	e.dims.Store(768)
	return e, nil
}

// Embed embeds text for document-style similarity.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.EmbedWithTask(ctx, text, SelectTaskType(ContentTypeDocument))
}

// EmbedWithTask embeds text with an explicit task type.
func (e *GenAIEngine) EmbedWithTask(ctx context.Context, text string, taskType string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts, SelectTaskType(ContentTypeDocument))
}

func (e *GenAIEngine) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAIEngine.embed")
	defer timer.Stop()

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("GenAI returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	if len(out[0]) > 0 {
		e.dims.Store(int64(len(out[0])))
	}
	return out, nil
}

// Dimensions returns the vector size (768 until a response says otherwise).
func (e *GenAIEngine) Dimensions() int { return int(e.dims.Load()) }

// Name returns the engine name.
func (e *GenAIEngine) Name() string { return "genai:" + e.model }
