//go:build onnx

// Package onnx embeds text with a sentence-transformers model exported to
// ONNX, run through ONNX Runtime. Build with -tags onnx.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/viterin/vek/vek32"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// maxLen is the sequence length the model is fed, [CLS] and [SEP]
// included.
const maxLen = 128

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string `koanf:"model_path"`

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string `koanf:"tokenizer_path"`

	// LibraryPath is the path to libonnxruntime. Empty uses the
	// runtime's default lookup.
	LibraryPath string `koanf:"library_path"`

	// Dimensions is the embedding size. Default: 384 (all-MiniLM-L6-v2).
	Dimensions int `koanf:"dimensions"`
}

// ONNXEmbedder implements memory.Embedder with mean-pooled, normalized
// model outputs. A session runs one inference at a time.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordPiece
	dimensions int
	logger     *zap.Logger
}

// New loads the tokenizer and model. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*ONNXEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("onnx")

	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: model path is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx: tokenizer path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}

	tokenizer, err := loadWordPiece(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	logger.Info("loaded model",
		zap.String("path", cfg.ModelPath),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Int("vocab", len(tokenizer.vocab)))

	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		logger:     logger,
	}, nil
}

// Embed runs the model on text and returns a unit vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask := e.tokenizer.encode(text, maxLen)

	e.mu.Lock()
	defer e.mu.Unlock()

	shape := ort.NewShape(1, int64(len(ids)))
	inputs := make([]ort.Value, 0, 3)
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{ids, mask, make([]int64, len(ids))} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx: create tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output type %T", outputs[0])
	}
	return pool(out.GetData(), out.GetShape(), mask, e.dimensions)
}

// Dimensions returns the embedding size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *ONNXEmbedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

// pool turns the model output into a normalized embedding. Outputs of
// shape [1, dim] are used as is; [1, seq, dim] is mean-pooled over the
// attended tokens.
func pool(data []float32, shape []int64, mask []int64, dim int) ([]float32, error) {
	var embedding []float32
	switch len(shape) {
	case 2:
		if shape[1] != int64(dim) || len(data) < dim {
			return nil, fmt.Errorf("onnx: output size %v, want %d", shape, dim)
		}
		embedding = make([]float32, dim)
		copy(embedding, data[:dim])
	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("onnx: batch size %d, want 1", shape[0])
		}
		if shape[2] != int64(dim) {
			return nil, fmt.Errorf("onnx: hidden size %d, want %d", shape[2], dim)
		}
		seq := int(shape[1])
		if len(data) < seq*dim || len(mask) < seq {
			return nil, fmt.Errorf("onnx: output shape %v does not match data", shape)
		}
		embedding = make([]float32, dim)
		attended := 0
		for i := 0; i < seq; i++ {
			if mask[i] == 0 {
				continue
			}
			vek32.Add_Inplace(embedding, data[i*dim:(i+1)*dim])
			attended++
		}
		if attended > 0 {
			vek32.DivNumber_Inplace(embedding, float32(attended))
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
	}

	if n := vek32.Norm(embedding); n > 0 {
		vek32.DivNumber_Inplace(embedding, n)
	}
	return embedding, nil
}

// wordPiece is a lowercase BERT WordPiece tokenizer read from a
// tokenizer.json vocabulary.
type wordPiece struct {
	vocab         map[string]int64
	cls, sep, unk int64
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	vocab := file.Model.Vocab
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocabulary", path)
	}
	id := func(token string, fallback int64) int64 {
		if v, ok := vocab[token]; ok {
			return v
		}
		return fallback
	}
	return &wordPiece{
		vocab: vocab,
		cls:   id("[CLS]", 101),
		sep:   id("[SEP]", 102),
		unk:   id("[UNK]", 100),
	}, nil
}

// encode returns input ids framed by [CLS] and [SEP], truncated to at
// most n, and the matching attention mask.
func (w *wordPiece) encode(text string, n int) (ids, mask []int64) {
	tokens := w.tokenize(text)
	if len(tokens) > n-2 {
		tokens = tokens[:n-2]
	}
	ids = make([]int64, 0, len(tokens)+2)
	ids = append(ids, w.cls)
	ids = append(ids, tokens...)
	ids = append(ids, w.sep)
	mask = make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return ids, mask
}

// tokenize splits on whitespace and punctuation, then matches each word
// greedily against the vocabulary, longest prefix first.
func (w *wordPiece) tokenize(text string) []int64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	var tokens []int64
	for _, word := range words {
		tokens = append(tokens, w.pieces([]rune(word))...)
	}
	return tokens
}

func (w *wordPiece) pieces(word []rune) []int64 {
	var ids []int64
	for start := 0; start < len(word); {
		end := len(word)
		for ; end > start; end-- {
			sub := string(word[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := w.vocab[sub]; ok {
				ids = append(ids, id)
				break
			}
		}
		if end == start {
			// No piece matches: the whole word is unknown.
			return append(ids[:0], w.unk)
		}
		start = end
	}
	return ids
}
