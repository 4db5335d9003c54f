//go:build onnx

package main

import (
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/embedder/onnx"
)

func newONNXEmbedder(cfg *config.Config, logger *zap.Logger) (memory.Embedder, func() error, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:     cfg.Embedder.ONNX.ModelPath,
		TokenizerPath: cfg.Embedder.ONNX.TokenizerPath,
		LibraryPath:   cfg.Embedder.ONNX.LibraryPath,
		Dimensions:    cfg.Memory.Dimension,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
