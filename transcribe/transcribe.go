// Package transcribe turns voice recordings into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// ErrNoSpeech is returned when the recording contains no recognizable
// speech.
var ErrNoSpeech = errors.New("no speech recognized")

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Config configures the Google Speech-to-Text client.
type Config struct {
	// LanguageCode is a BCP-47 tag. Default: en-US.
	LanguageCode string `koanf:"language"`

	// Model selects the recognition model, e.g. "latest_short".
	Model string `koanf:"model"`

	// CredentialsFile is a service account JSON file. Empty uses
	// application default credentials.
	CredentialsFile string `koanf:"credentials_file"`

	// SampleRateHertz is sent for encodings that don't carry it in a
	// header. Default: 48000, the rate of Opus voice notes.
	SampleRateHertz int `koanf:"sample_rate"`

	// Timeout bounds a single recognition call. Default: 1m.
	Timeout time.Duration `koanf:"timeout"`
}

func (c *Config) applyDefaults() {
	if c.LanguageCode == "" {
		c.LanguageCode = "en-US"
	}
	if c.SampleRateHertz <= 0 {
		c.SampleRateHertz = 48000
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
}

// Google transcribes short recordings with synchronous Recognize calls.
type Google struct {
	client *speech.Client
	config Config
	logger *zap.Logger
}

var _ Transcriber = (*Google)(nil)

// NewGoogle creates a Speech-to-Text client. Extra options are appended
// after the credentials option.
func NewGoogle(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Google, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	c, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &Google{
		client: c,
		config: cfg,
		logger: logger.Named("transcribe"),
	}, nil
}

// Transcribe recognizes audio and joins the best alternative of every
// result.
func (g *Google) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrNoSpeech
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig(g.config, mimeType),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	})
	if err != nil {
		return "", fmt.Errorf("speech recognize: %w", err)
	}

	text := joinTranscripts(resp)
	if text == "" {
		return "", ErrNoSpeech
	}
	g.logger.Debug("transcribed recording",
		zap.Int("bytes", len(audio)),
		zap.String("mime_type", mimeType),
		zap.Int("chars", len(text)))
	return text, nil
}

// Close closes the underlying client.
func (g *Google) Close() error {
	return g.client.Close()
}

func recognitionConfig(cfg Config, mimeType string) *speechpb.RecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		LanguageCode:               cfg.LanguageCode,
		Model:                      cfg.Model,
		EnableAutomaticPunctuation: true,
		Encoding:                   inferEncoding(mimeType),
	}
	switch rc.Encoding {
	case speechpb.RecognitionConfig_OGG_OPUS, speechpb.RecognitionConfig_WEBM_OPUS:
		rc.SampleRateHertz = int32(cfg.SampleRateHertz)
	}
	return rc
}

func inferEncoding(mimeType string) speechpb.RecognitionConfig_AudioEncoding {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.Contains(m, "wav"):
		return speechpb.RecognitionConfig_LINEAR16
	case strings.Contains(m, "flac"):
		return speechpb.RecognitionConfig_FLAC
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return speechpb.RecognitionConfig_MP3
	case strings.Contains(m, "webm"):
		return speechpb.RecognitionConfig_WEBM_OPUS
	case strings.Contains(m, "ogg"), strings.Contains(m, "opus"):
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func joinTranscripts(resp *speechpb.RecognizeResponse) string {
	var b strings.Builder
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		t := strings.TrimSpace(alts[0].GetTranscript())
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(t)
	}
	return b.String()
}
