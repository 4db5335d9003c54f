//go:build !cgo

package fastembed

import (
	"context"
	"errors"
)

// ErrNotAvailable is returned when the binary was built without cgo.
var ErrNotAvailable = errors.New("fastembed: not available (binary built without cgo, use the mock or onnx embedder)")

// Config configures the FastEmbed embedder.
type Config struct {
	Model     string `koanf:"model"`
	CacheDir  string `koanf:"cache_dir"`
	MaxLength int    `koanf:"max_length"`
}

// Embedder is a stub for builds without cgo.
type Embedder struct{}

// New returns ErrNotAvailable.
func New(_ Config) (*Embedder, error) {
	return nil, ErrNotAvailable
}

func (e *Embedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrNotAvailable
}

func (e *Embedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrNotAvailable
}

func (e *Embedder) Dimensions() int { return 0 }

func (e *Embedder) Close() error { return nil }
