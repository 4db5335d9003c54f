// Package cached wraps an embedder with an in-memory ristretto cache.
//
// Only use it where repeated texts are common, such as search queries.
// Storing messages must keep calling the provider so each stored
// embedding comes from a real call.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-notes/memory"
)

// Embedder caches vectors by text. It implements memory.Embedder and,
// when the wrapped embedder does, memory.QueryEmbedder semantics.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

// New wraps next with a cache holding about maxEntries vectors.
func New(next memory.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	dim := int64(next.Dimensions())
	if dim <= 0 {
		dim = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries * dim * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{next: next, cache: cache}, nil
}

// Embed returns the cached vector for text or asks the wrapped embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.lookup(ctx, "p:"+text, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// EmbedQuery is Embed for search queries, using the wrapped embedder's
// query encoding when it has one.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	qe, ok := e.next.(memory.QueryEmbedder)
	if !ok {
		return e.Embed(ctx, text)
	}
	return e.lookup(ctx, "q:"+text, func(ctx context.Context) ([]float32, error) {
		return qe.EmbedQuery(ctx, text)
	})
}

// Dimensions returns the wrapped embedder's size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Close stops the cache's goroutines.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}

func (e *Embedder) lookup(ctx context.Context, key string, embed func(context.Context) ([]float32, error)) ([]float32, error) {
	if v, ok := e.cache.Get(key); ok {
		return clone(v.([]float32)), nil
	}
	vec, err := embed(ctx)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, clone(vec), int64(4*len(vec)))
	return vec, nil
}

func clone(v []float32) []float32 {
	c := make([]float32, len(v))
	copy(c, v)
	return c
}
