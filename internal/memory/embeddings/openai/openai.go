// Package openai embeds text via the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no embedding model is configured.
const DefaultModel = "text-embedding-3-small"

// Provider calls the OpenAI embeddings endpoint.
type Provider struct {
	client    *goopenai.Client
	model     string
	dimension int
}

// New returns a provider using the given API key. An empty model selects
// DefaultModel.
func New(apiKey, baseURL, model string) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client:    goopenai.NewClientWithConfig(cfg),
		model:     model,
		dimension: 1536,
	}
}

// Embed returns the embedding for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response for model %s", p.model)
	}
	return resp.Data[0].Embedding, nil
}

// Dimension returns the vector length for the configured model.
func (p *Provider) Dimension() int { return p.dimension }
