// Package embeddings defines the embedding provider abstraction used by the
// memory manager for semantic search.
package embeddings

import "context"

// Provider turns text into a fixed-dimension vector.
type Provider interface {
	// Embed returns the embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector length this provider produces.
	Dimension() int
}
