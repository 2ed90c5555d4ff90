package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CASEGUIDE_DB", "CASEGUIDE_ADDR", "COHERE_API_KEY", "DEEPINFRA_API_KEY",
		"OPENROUTER_API_KEY", "OPENROUTER_MODEL", "CASEGUIDE_LOG_LEVEL", "CASEGUIDE_WORKERS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 8*time.Hour, cfg.GetSessionTTL())
	assert.Equal(t, time.Minute, cfg.GetRateLimitWindow())
	assert.Equal(t, slog.LevelInfo, cfg.GetLogLevel())
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "caseguide.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:9000"
  read_timeout: 5s
database:
  path: /var/lib/caseguide.db
rate_limit:
  requests: 20
  window: not-a-duration
rerank:
  provider: deepinfra
  model: Qwen/Qwen3-Reranker-4B
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.GetReadTimeout())
	assert.Equal(t, 120*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, "/var/lib/caseguide.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.GetRateLimitWindow())
	assert.Equal(t, 5, cfg.RateLimit.WebsocketConnections)
	assert.Equal(t, 30*time.Second, cfg.GetStreamInterval())
	assert.Equal(t, 3, cfg.Analytics.StreamConnections)
	assert.Equal(t, "deepinfra", cfg.Rerank.Provider)
	assert.Equal(t, slog.LevelDebug, cfg.GetLogLevel())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CASEGUIDE_DB", "/tmp/env.db")
	t.Setenv("CASEGUIDE_ADDR", ":9999")
	t.Setenv("COHERE_API_KEY", "co-key")
	t.Setenv("DEEPINFRA_API_KEY", "di-key")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("OPENROUTER_MODEL", "openai/gpt-4")
	t.Setenv("CASEGUIDE_LOG_LEVEL", "warn")
	t.Setenv("CASEGUIDE_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "co-key", cfg.Rerank.CohereAPIKey)
	assert.Equal(t, "di-key", cfg.Rerank.DeepInfraAPIKey)
	assert.Equal(t, "or-key", cfg.OpenRouter.APIKey)
	assert.Equal(t, "openai/gpt-4", cfg.OpenRouter.Model)
	assert.Equal(t, slog.LevelWarn, cfg.GetLogLevel())
	assert.Equal(t, 8, cfg.Workflow.Workers)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0o600))
	_, err := Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")

	provider := filepath.Join(dir, "provider.yaml")
	require.NoError(t, os.WriteFile(provider, []byte("rerank:\n  provider: bm25\n"), 0o600))
	_, err = Load(provider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rerank provider")

	t.Setenv("CASEGUIDE_LOG_LEVEL", "loud")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "caseguide.yaml")
	cfg := DefaultConfig()
	cfg.Workflow.Workers = 2
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
