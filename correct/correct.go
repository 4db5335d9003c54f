// Package correct fixes grammar and punctuation of transcribed text with
// an LLM.
package correct

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// ErrEmptyCorrection is returned when the model answers without text.
var ErrEmptyCorrection = errors.New("model returned no text")

// Corrector rewrites text without changing its meaning.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Config configures the Claude corrector.
type Config struct {
	APIKey string `koanf:"api_key"`

	// BaseURL overrides the API endpoint.
	BaseURL string `koanf:"base_url"`

	// Model defaults to claude-sonnet-4-20250514.
	Model string `koanf:"model"`

	// MaxTokens defaults to 1024.
	MaxTokens int64 `koanf:"max_tokens"`

	// MaxRetries is passed to the client. Zero keeps the client default.
	MaxRetries int `koanf:"max_retries"`
}

const editorSystemPrompt = "You are an experienced writing editor."

const editorPrompt = `Correct the grammar and punctuation of the following text that was originally transcribed from a voice recording. Try your best to not alter the meaning in any way. Reply with the corrected text only, without quotes or commentary. Here is the text:

`

// Claude corrects text with the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

var _ Corrector = (*Claude)(nil)

// NewClaude creates a corrector.
func NewClaude(cfg Config, logger *zap.Logger) *Claude {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.Named("correct"),
	}
}

// Correct sends text to the editor prompt and returns the model's answer.
func (c *Claude) Correct(ctx context.Context, text string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: editorSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(editorPrompt + text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	corrected := unquote(strings.TrimSpace(out.String()))
	if corrected == "" {
		return "", ErrEmptyCorrection
	}

	c.logger.Debug("corrected text",
		zap.Int("input_tokens", int(resp.Usage.InputTokens)),
		zap.Int("output_tokens", int(resp.Usage.OutputTokens)))
	return corrected, nil
}

// unquote drops one pair of surrounding double quotes.
func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
