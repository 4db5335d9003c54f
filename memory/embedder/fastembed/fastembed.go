//go:build cgo

// Package fastembed embeds text with local ONNX models through
// fastembed-go. Models are downloaded to CacheDir on first use.
package fastembed

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// Config configures the FastEmbed embedder.
type Config struct {
	// Model is the embedding model.
	// Supported: BAAI/bge-small-en-v1.5 (default), BAAI/bge-base-en-v1.5,
	// sentence-transformers/all-MiniLM-L6-v2.
	Model string `koanf:"model"`

	// CacheDir holds downloaded model files. Default: ./local_cache
	CacheDir string `koanf:"cache_dir"`

	// MaxLength is the maximum input sequence length. Default: 512
	MaxLength int `koanf:"max_length"`
}

var modelMapping = map[string]fastembed.EmbeddingModel{
	"":                                       fastembed.BGESmallENV15,
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.AllMiniLML6V2: 384,
}

// Embedder implements memory.Embedder and memory.QueryEmbedder.
// Stored messages are embedded as passages, searches as queries.
type Embedder struct {
	mu        sync.Mutex
	model     *fastembed.FlagEmbedding
	dimension int
}

// New loads the model, downloading it if needed.
func New(cfg Config) (*Embedder, error) {
	model, ok := modelMapping[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
		if _, known := modelDimensions[model]; !known {
			return nil, fmt.Errorf("fastembed: unsupported model %q", cfg.Model)
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}

	// Disable progress bar for server use
	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing FastEmbed: %w", err)
	}

	return &Embedder{model: flagEmbed, dimension: modelDimensions[model]}, nil
}

// Embed embeds text as a passage.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.model.PassageEmbed([]string{text}, 1)
	if err != nil {
		return nil, fmt.Errorf("fastembed passage: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("fastembed passage: got %d embeddings", len(out))
	}
	return out[0], nil
}

// EmbedQuery embeds a search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed query: %w", err)
	}
	return out, nil
}

// Dimensions returns the embedding size of the loaded model.
func (e *Embedder) Dimensions() int {
	return e.dimension
}

// Close releases the ONNX session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return e.model.Destroy()
	}
	return nil
}
