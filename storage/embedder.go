package storage

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"lectureindex/config"
	"lectureindex/core"
)

// Embedder turns query text into embeddings through an OpenAI-compatible
// API. The engine itself never calls out for frame embeddings; this client
// exists for text queries and for pushing transcript segments to a remote
// backend.
type Embedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder builds an embedding client from the configured API settings.
func NewEmbedder(cfg *config.Config) (*Embedder, error) {
	if !cfg.HasValidAPI() {
		return nil, fmt.Errorf("embedding API not configured: api_key missing")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Embedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.EmbeddingModel,
	}, nil
}

// EmbedTexts embeds a batch of texts, returning one L2-normalized vector per
// input in the same order.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding API: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = core.L2Normalize(d.Embedding)
	}
	return out, nil
}

// EmbedText embeds a single text.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
