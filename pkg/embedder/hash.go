package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/perbu/tutorrag/pkg/chunker"
)

// HashEmbedder maps words into a fixed number of buckets (feature hashing).
// Texts sharing vocabulary score high against each other, which is enough
// for offline runs and tests. It never calls out and never fails on
// non-empty input.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a local embedder producing unit vectors of dimension dim
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dim: dimension}
}

// Embed generates a normalized bag-of-words vector from text
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	words := strings.Fields(strings.ToLower(chunker.Clean(text)))
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: cannot embed empty text", ErrEmbedding)
	}

	vec := make([]float32, e.dim)
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.dim)]++
	}
	l2normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension
func (e *HashEmbedder) Dimension() int {
	return e.dim
}

// ModelInfo returns model information
func (e *HashEmbedder) ModelInfo() string {
	return fmt.Sprintf("hash-%d", e.dim)
}
