package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/memory"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, config.StoreBadger, cfg.Store.Backend)
	assert.Equal(t, config.IndexChromem, cfg.Index.Backend)
	assert.Equal(t, config.EmbedderFastEmbed, cfg.Embedder.Backend)
	assert.Equal(t, 384, cfg.Memory.Dimension)
	assert.Equal(t, 15*time.Second, cfg.Memory.ApprovalTimeout)

	m := cfg.Memory.ToMemory()
	assert.Equal(t, memory.RetryPolicy{MaxAttempts: 5, Pause: 2 * time.Second}, m.EmbedRetry)
	assert.Equal(t, 20, m.DefaultLimit)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
log:
  level: debug
memory:
  dimension: 768
  embed_pause: 500ms
  metric: l2
store:
  backend: redis
  redis:
    addr: localhost:6379
    prefix: "test:"
index:
  backend: redisearch
embedder:
  backend: mock
speech:
  enabled: true
  language: de-DE
  credentials_file: /secrets/gcp.json
chat:
  min_text_len: 4
`)
	t.Setenv("NIMNOTES_STORE__REDIS__ADDR", "redis:6380")
	t.Setenv("NIMNOTES_MEMORY__DEFAULT_LIMIT", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 768, cfg.Memory.Dimension)
	assert.Equal(t, 500*time.Millisecond, cfg.Memory.EmbedPause)
	assert.Equal(t, "l2", cfg.Memory.Metric)
	assert.Equal(t, 7, cfg.Memory.DefaultLimit)
	assert.Equal(t, "redis:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, "test:", cfg.Store.Redis.Prefix)
	assert.Equal(t, config.IndexRediSearch, cfg.Index.Backend)
	assert.True(t, cfg.Speech.Enabled)
	assert.Equal(t, "de-DE", cfg.Speech.LanguageCode)
	assert.Equal(t, "/secrets/gcp.json", cfg.Speech.CredentialsFile)
	assert.Equal(t, 4, cfg.Chat.MinTextLen)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown store":      "store:\n  backend: mongo\n",
		"unknown index":      "index:\n  backend: faiss\n",
		"unknown embedder":   "embedder:\n  backend: openai\n",
		"redis without addr": "store:\n  backend: redis\n",
		"bad metric":         "memory:\n  metric: manhattan\nindex:\n  backend: flat\n",
		"chromem with dot":   "memory:\n  metric: dot\n",
		"corrector no key":   "corrector:\n  enabled: true\n",
		"bad log level":      "log:\n  level: loud\n",
		"negative limit":     "memory:\n  default_limit: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
