package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/viterin/vek/vek32"
)

// MockEmbedder is a deterministic embedder for tests and offline runs.
// Equal texts get equal vectors; different texts get unrelated ones.
type MockEmbedder struct {
	dimensions int
}

// New creates a mock embedder producing 384-dimensional vectors.
func New() *MockEmbedder {
	return NewWithDimensions(384) // Match all-MiniLM-L6-v2 dimensions
}

// NewWithDimensions creates a mock embedder with the given vector size.
func NewWithDimensions(dimensions int) *MockEmbedder {
	return &MockEmbedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector seeded by the text hash.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(text)))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// Simple LCG (Linear Congruential Generator)
		seed = seed*6364136223846793005 + 1442695040888963407
		// Convert to [-1, 1] range
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	if n := vek32.Norm(embedding); n > 0 {
		vek32.DivNumber_Inplace(embedding, n)
	}
	return embedding, nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}
