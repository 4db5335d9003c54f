// Package config loads nim-notes configuration.
package config

import (
	"fmt"
	"time"

	"github.com/becomeliminal/nim-notes/correct"
	"github.com/becomeliminal/nim-notes/logging"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/embedder/fastembed"
	"github.com/becomeliminal/nim-notes/memory/index/chromem"
	"github.com/becomeliminal/nim-notes/memory/index/qdrant"
	"github.com/becomeliminal/nim-notes/memory/index/redisearch"
	"github.com/becomeliminal/nim-notes/memory/store/badger"
	"github.com/becomeliminal/nim-notes/memory/store/redis"
	"github.com/becomeliminal/nim-notes/server"
	"github.com/becomeliminal/nim-notes/transcribe"
)

// Backend names.
const (
	StoreRedis  = "redis"
	StoreBadger = "badger"

	IndexChromem    = "chromem"
	IndexRediSearch = "redisearch"
	IndexQdrant     = "qdrant"
	IndexFlat       = "flat"

	EmbedderFastEmbed = "fastembed"
	EmbedderONNX      = "onnx"
	EmbedderMock      = "mock"
)

// Config holds the complete nim-notes configuration.
type Config struct {
	Server    server.Config   `koanf:"server"`
	Log       logging.Config  `koanf:"log"`
	Memory    MemoryConfig    `koanf:"memory"`
	Store     StoreConfig     `koanf:"store"`
	Index     IndexConfig     `koanf:"index"`
	Embedder  EmbedderConfig  `koanf:"embedder"`
	Speech    SpeechConfig    `koanf:"speech"`
	Corrector CorrectorConfig `koanf:"corrector"`
	Chat      ChatConfig      `koanf:"chat"`
}

// MemoryConfig mirrors memory.Config with flat retry fields.
type MemoryConfig struct {
	Dimension       int           `koanf:"dimension"`
	Metric          string        `koanf:"metric"`
	EmbedAttempts   int           `koanf:"embed_attempts"`
	EmbedPause      time.Duration `koanf:"embed_pause"`
	StoreAttempts   int           `koanf:"store_attempts"`
	StorePause      time.Duration `koanf:"store_pause"`
	DefaultLimit    int           `koanf:"default_limit"`
	MinSimilarity   float32       `koanf:"min_similarity"`
	ApprovalTimeout time.Duration `koanf:"approval_timeout"`
	OrphanTTL       time.Duration `koanf:"orphan_ttl"`

	// SweepInterval is how often serve deletes undelivered records.
	// Default: 1m.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// ToMemory converts to memory.Config.
func (m MemoryConfig) ToMemory() *memory.Config {
	return &memory.Config{
		Dimension:       m.Dimension,
		Metric:          memory.Metric(m.Metric),
		EmbedRetry:      memory.RetryPolicy{MaxAttempts: m.EmbedAttempts, Pause: m.EmbedPause},
		StoreRetry:      memory.RetryPolicy{MaxAttempts: m.StoreAttempts, Pause: m.StorePause},
		DefaultLimit:    m.DefaultLimit,
		MinSimilarity:   m.MinSimilarity,
		ApprovalTimeout: m.ApprovalTimeout,
		OrphanTTL:       m.OrphanTTL,
	}
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend string        `koanf:"backend"`
	Redis   redis.Config  `koanf:"redis"`
	Badger  badger.Config `koanf:"badger"`
}

// IndexConfig selects and configures the vector index. The redisearch
// backend shares the record store's Redis connection settings.
type IndexConfig struct {
	Backend    string            `koanf:"backend"`
	Chromem    chromem.Config    `koanf:"chromem"`
	RediSearch redisearch.Config `koanf:"redisearch"`
	Qdrant     qdrant.Config     `koanf:"qdrant"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Backend string `koanf:"backend"`

	// QueryCacheSize is the number of cached query embeddings. Zero
	// disables the cache.
	QueryCacheSize int64 `koanf:"query_cache_size"`

	FastEmbed fastembed.Config `koanf:"fastembed"`
	ONNX      ONNXConfig       `koanf:"onnx"`
}

// ONNXConfig configures the onnx embedder, which is only compiled with
// the onnx build tag.
type ONNXConfig struct {
	ModelPath     string `koanf:"model_path"`
	TokenizerPath string `koanf:"tokenizer_path"`
	LibraryPath   string `koanf:"library_path"`
}

// SpeechConfig enables voice notes.
type SpeechConfig struct {
	Enabled           bool `koanf:"enabled"`
	transcribe.Config `koanf:",squash"`
}

// CorrectorConfig enables the correct control.
type CorrectorConfig struct {
	Enabled        bool `koanf:"enabled"`
	correct.Config `koanf:",squash"`
}

// ChatConfig tunes the chat layer.
type ChatConfig struct {
	// MinTextLen is the shortest transcription shown with approval
	// controls.
	MinTextLen int `koanf:"min_text_len"`

	// MaxResultLen bounds a rendered search answer.
	MaxResultLen int `koanf:"max_result_len"`
}

func applyDefaults(cfg *Config) {
	cfg.Server.ApplyDefaults()

	d := memory.DefaultConfig
	m := &cfg.Memory
	if m.Dimension == 0 {
		m.Dimension = d.Dimension
	}
	if m.Metric == "" {
		m.Metric = string(d.Metric)
	}
	if m.EmbedAttempts == 0 {
		m.EmbedAttempts = d.EmbedRetry.MaxAttempts
	}
	if m.EmbedPause == 0 {
		m.EmbedPause = d.EmbedRetry.Pause
	}
	if m.StoreAttempts == 0 {
		m.StoreAttempts = d.StoreRetry.MaxAttempts
	}
	if m.StorePause == 0 {
		m.StorePause = d.StoreRetry.Pause
	}
	if m.DefaultLimit == 0 {
		m.DefaultLimit = d.DefaultLimit
	}
	if m.ApprovalTimeout == 0 {
		m.ApprovalTimeout = d.ApprovalTimeout
	}
	if m.OrphanTTL == 0 {
		m.OrphanTTL = d.OrphanTTL
	}
	if m.SweepInterval == 0 {
		m.SweepInterval = time.Minute
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBadger
	}
	if cfg.Store.Backend == StoreBadger && cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		cfg.Store.Badger.Path = "./data/badger"
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = IndexChromem
	}
	if cfg.Embedder.Backend == "" {
		cfg.Embedder.Backend = EmbedderFastEmbed
	}
	if cfg.Chat.MinTextLen == 0 {
		cfg.Chat.MinTextLen = 10
	}
	if cfg.Chat.MaxResultLen == 0 {
		cfg.Chat.MaxResultLen = 3000
	}
}

// Validate rejects unknown backends and values the services can't use.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Memory.ToMemory().Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if c.Memory.SweepInterval < 0 {
		return fmt.Errorf("memory: sweep interval must not be negative")
	}

	switch c.Store.Backend {
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store: redis addr required")
		}
	case StoreBadger:
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Index.Backend {
	case IndexChromem, IndexQdrant, IndexFlat:
	case IndexRediSearch:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("index: redisearch needs store.redis.addr")
		}
	default:
		return fmt.Errorf("index: unknown backend %q", c.Index.Backend)
	}
	if c.Index.Backend == IndexChromem && c.Memory.Metric != string(memory.MetricCosine) {
		return fmt.Errorf("index: chromem supports only the cosine metric")
	}

	switch c.Embedder.Backend {
	case EmbedderFastEmbed, EmbedderMock:
	case EmbedderONNX:
		if c.Embedder.ONNX.ModelPath == "" || c.Embedder.ONNX.TokenizerPath == "" {
			return fmt.Errorf("embedder: onnx needs model_path and tokenizer_path")
		}
	default:
		return fmt.Errorf("embedder: unknown backend %q", c.Embedder.Backend)
	}

	if c.Corrector.Enabled && c.Corrector.APIKey == "" {
		return fmt.Errorf("corrector: api_key required when enabled")
	}
	if c.Chat.MinTextLen < 0 {
		return fmt.Errorf("chat: min_text_len must not be negative")
	}
	return nil
}
