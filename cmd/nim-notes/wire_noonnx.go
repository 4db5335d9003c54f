//go:build !onnx

package main

import (
	"errors"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/memory"
)

func newONNXEmbedder(*config.Config, *zap.Logger) (memory.Embedder, func() error, error) {
	return nil, nil, errors.New("onnx embedder not compiled in, rebuild with -tags onnx")
}
