package memory

import (
	"fmt"
	"time"
)

// Config holds Manager, Retriever and Approvals configuration.
type Config struct {
	// Dimension is the embedding vector size the index is created with.
	// Default: 384 (all-MiniLM-L6-v2, bge-small-en-v1.5).
	Dimension int

	// Metric is the index distance function.
	// Default: cosine.
	Metric Metric

	// EmbedRetry bounds calls to the embedding provider.
	// Default: 5 attempts, 2s apart.
	EmbedRetry RetryPolicy

	// StoreRetry bounds calls to the record store and the index that
	// fail with ErrTransient.
	// Default: 3 attempts, 200ms apart.
	StoreRetry RetryPolicy

	// DefaultLimit is the number of search results when the caller
	// doesn't pass WithLimit.
	// Default: 20
	DefaultLimit int

	// MinSimilarity drops search results scoring below it. Zero keeps
	// everything the index returns.
	// Default: 0
	MinSimilarity float32

	// ApprovalTimeout is how long a transcription waits for the user
	// before its controls are removed.
	// Default: 15s
	ApprovalTimeout time.Duration

	// OrphanTTL is how old a provisional record must be before the
	// sweeper deletes it.
	// Default: 10m
	OrphanTTL time.Duration
}

// DefaultConfig returns sensible defaults for a single-node deployment.
var DefaultConfig = &Config{
	Dimension:       384,
	Metric:          MetricCosine,
	EmbedRetry:      RetryPolicy{MaxAttempts: 5, Pause: 2 * time.Second},
	StoreRetry:      RetryPolicy{MaxAttempts: 3, Pause: 200 * time.Millisecond},
	DefaultLimit:    20,
	MinSimilarity:   0,
	ApprovalTimeout: 15 * time.Second,
	OrphanTTL:       10 * time.Minute,
}

// Validate checks the configuration for values the Manager can't work with.
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return fmt.Errorf("metric %q: %w", c.Metric, err)
	}
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("default limit: %w", ErrInvalidLimit)
	}
	if c.EmbedRetry.MaxAttempts <= 0 || c.StoreRetry.MaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	return nil
}

func (c *Config) orDefault() *Config {
	if c == nil {
		return DefaultConfig
	}
	return c
}
