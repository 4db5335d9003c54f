//go:build onnx

package onnx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viterin/vek/vek32"
)

func newTokenizer(t *testing.T) *wordPiece {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	vocab := `{"model":{"vocab":{"[UNK]":100,"[CLS]":101,"[SEP]":102,"hello":7592,"world":2088,"un":4895,"##known":2124,"über":3000,"##all":3001}}}`
	require.NoError(t, os.WriteFile(path, []byte(vocab), 0o600))
	w, err := loadWordPiece(path)
	require.NoError(t, err)
	return w
}

func TestWordPiece_Tokenize(t *testing.T) {
	w := newTokenizer(t)

	assert.Equal(t, []int64{7592, 2088}, w.tokenize("Hello, world!"))
	assert.Equal(t, []int64{4895, 2124}, w.tokenize("unknown"))
	assert.Equal(t, []int64{3000, 3001}, w.tokenize("Überall"))
	assert.Equal(t, []int64{100, 7592}, w.tokenize("zzz hello"))
	assert.Empty(t, w.tokenize(" ... "))
}

func TestWordPiece_Encode(t *testing.T) {
	w := newTokenizer(t)

	ids, mask := w.encode("hello world", maxLen)
	assert.Equal(t, []int64{101, 7592, 2088, 102}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)

	ids, mask = w.encode("hello hello hello hello hello", 4)
	assert.Equal(t, []int64{101, 7592, 7592, 102}, ids)
	assert.Len(t, mask, 4)
}

func TestPool(t *testing.T) {
	// Two attended tokens and one padding token of dimension 2.
	data := []float32{
		3, 0,
		1, 2,
		100, 100,
	}
	got, err := pool(data, []int64{1, 3, 2}, []int64{1, 1, 0}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vek32.Norm(got), 1e-6)
	assert.InDeltaSlice(t, []float32{0.8944272, 0.4472136}, got, 1e-6)

	got, err = pool([]float32{0, 5}, []int64{1, 2}, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got)

	_, err = pool(data, []int64{1, 3, 2}, []int64{1, 1, 0}, 384)
	assert.Error(t, err)
	_, err = pool(data, []int64{6}, nil, 2)
	assert.Error(t, err)
}

// TestEmbed needs a real model: ONNX_MODEL_PATH and ONNX_TOKENIZER_PATH,
// plus ONNX_LIBRARY_PATH when the runtime is not on the default path.
func TestEmbed(t *testing.T) {
	model, tok := os.Getenv("ONNX_MODEL_PATH"), os.Getenv("ONNX_TOKENIZER_PATH")
	if model == "" || tok == "" {
		t.Skip("ONNX_MODEL_PATH or ONNX_TOKENIZER_PATH not set, skipping model test")
	}
	e, err := New(Config{ModelPath: model, TokenizerPath: tok, LibraryPath: os.Getenv("ONNX_LIBRARY_PATH")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	a, err := e.Embed(ctx, "remember to buy milk")
	require.NoError(t, err)
	assert.Len(t, a, e.Dimensions())
	assert.InDelta(t, 1.0, vek32.Norm(a), 1e-4)

	b, err := e.Embed(ctx, "remember to buy milk")
	require.NoError(t, err)
	assert.InDeltaSlice(t, a, b, 1e-6)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Embed(cancelled, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
