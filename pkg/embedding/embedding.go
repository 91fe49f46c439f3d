// Package embedding defines the abstract text-to-vector contract Cortex
// depends on (spec §2's EmbeddingService: "abstract text→vector function,
// fixed dimension"). Cortex never runs a model itself; callers plug in
// whatever provider they like behind this interface.
package embedding

import "context"

// Service generates fixed-dimension vector embeddings from text.
// Implementations must be safe for concurrent use.
type Service interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the fixed vector length this service produces.
	Dimensions() int

	// Model names the embedding model backing this service.
	Model() string
}
