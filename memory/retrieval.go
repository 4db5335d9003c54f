package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
)

// Result is a single search match.
type Result struct {
	Key   core.RecordKey
	Text  string
	Score float32
}

// SearchOption tunes a single search.
type SearchOption func(*searchParams)

type searchParams struct {
	limit    int
	minScore float32
}

// WithLimit caps the number of results. k must be positive.
func WithLimit(k int) SearchOption {
	return func(p *searchParams) { p.limit = k }
}

// WithMinScore drops results scoring below min. Zero disables the filter.
func WithMinScore(min float32) SearchOption {
	return func(p *searchParams) { p.minScore = min }
}

// Retriever runs owner-scoped semantic searches.
type Retriever struct {
	index    VectorIndex
	embedder Embedder
	config   *Config
	logger   *zap.Logger
}

// NewRetriever creates a new Retriever. A nil config uses DefaultConfig.
func NewRetriever(index VectorIndex, embedder Embedder, config *Config, opts ...Option) *Retriever {
	o := buildOptions(opts)
	return &Retriever{
		index:    index,
		embedder: embedder,
		config:   config.orDefault(),
		logger:   o.logger.Named("retrieval"),
	}
}

// Search embeds query and returns the owner's closest messages, best
// first. An empty result is not an error.
func (r *Retriever) Search(ctx context.Context, owner core.OwnerID, query string, opts ...SearchOption) (_ []Result, err error) {
	ctx, span := tracer.Start(ctx, "Retriever.Search")
	defer span.End()
	defer func() { endSpan(span, err) }()

	p := searchParams{limit: r.config.DefaultLimit, minScore: r.config.MinSimilarity}
	for _, opt := range opts {
		opt(&p)
	}
	if p.limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, p.limit)
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyText
	}
	span.SetAttributes(
		attribute.Int64("owner_id", int64(owner)),
		attribute.Int("limit", p.limit),
	)

	embed := r.embedder.Embed
	if qe, ok := r.embedder.(QueryEmbedder); ok {
		embed = qe.EmbedQuery
	}
	vec, err := embedWithRetry(ctx, r.config.EmbedRetry, r.config.Dimension, embed, query)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	err = storeCall(ctx, r.config.StoreRetry, ErrIndexUnavailable, func(ctx context.Context) error {
		var err error
		hits, err = r.index.Search(ctx, owner, vec, p.limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		// Backends filter by owner already; never trust that alone.
		if h.OwnerID != owner {
			r.logger.Error("index returned foreign record",
				zap.String("key", h.Key.String()),
				zap.Int64("owner_id", int64(owner)),
				zap.Int64("hit_owner_id", int64(h.OwnerID)))
			continue
		}
		if p.minScore != 0 && h.Score < p.minScore {
			continue
		}
		results = append(results, Result{Key: h.Key, Text: h.Text, Score: h.Score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > p.limit {
		results = results[:p.limit]
	}

	searchResults.Observe(float64(len(results)))
	span.SetAttributes(attribute.Int("results_count", len(results)))
	r.logger.Debug("search done",
		zap.Int64("owner_id", int64(owner)),
		zap.String("query", truncateText(query, 50)),
		zap.Int("results", len(results)))
	return results, nil
}
