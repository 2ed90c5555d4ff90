// Package config loads caseguide settings from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all caseguide configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Rerank     RerankConfig     `yaml:"rerank"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	H2C          bool   `yaml:"h2c"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures sessions.
type AuthConfig struct {
	SessionTTL string `yaml:"session_ttl"`
}

// RateLimitConfig configures the per-user sliding window.
type RateLimitConfig struct {
	Requests             int    `yaml:"requests"`
	Window               string `yaml:"window"`
	WebsocketConnections int    `yaml:"websocket_connections"`
}

// ArtifactsConfig configures temporary uploads.
type ArtifactsConfig struct {
	Dir             string `yaml:"dir"`
	MaxBytes        int64  `yaml:"max_bytes"`
	TTL             string `yaml:"ttl"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// RerankConfig configures the reranker clients.
type RerankConfig struct {
	Provider        string `yaml:"provider"` // cohere, deepinfra
	Model           string `yaml:"model"`
	Timeout         string `yaml:"timeout"`
	CohereAPIKey    string `yaml:"cohere_api_key"`
	DeepInfraAPIKey string `yaml:"deepinfra_api_key"`
}

// OpenRouterConfig configures translation.
type OpenRouterConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Referer        string `yaml:"referer"`
	Timeout        string `yaml:"timeout"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// ScraperConfig configures the guidance crawler.
type ScraperConfig struct {
	Rate      float64 `yaml:"rate"`
	MaxDepth  int     `yaml:"max_depth"`
	UserAgent string  `yaml:"user_agent"`
}

// WorkflowConfig configures the execution runner.
type WorkflowConfig struct {
	Workers int `yaml:"workers"`
}

// AnalyticsConfig configures system metric sampling and the live
// metrics stream.
type AnalyticsConfig struct {
	SampleInterval    string `yaml:"sample_interval"`
	StreamInterval    string `yaml:"stream_interval"`
	StreamConnections int    `yaml:"stream_connections"` // per user
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
			H2C:          true,
		},
		Database: DatabaseConfig{Path: "caseguide.db"},
		Auth:     AuthConfig{SessionTTL: "8h"},
		RateLimit: RateLimitConfig{
			Requests:             10,
			Window:               "60s",
			WebsocketConnections: 5,
		},
		Artifacts: ArtifactsConfig{
			Dir:             filepath.Join(os.TempDir(), "caseguide-artifacts"),
			MaxBytes:        10 * 1024 * 1024,
			TTL:             "1h",
			CleanupInterval: "10m",
		},
		Rerank: RerankConfig{
			Provider: "cohere",
			Model:    "rerank-english-v3.0",
			Timeout:  "30s",
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "anthropic/claude-3-haiku",
			Referer:        "https://caseguide.local",
			Timeout:        "30s",
			MaxConcurrency: 4,
		},
		Scraper: ScraperConfig{
			Rate:      1.0,
			MaxDepth:  20,
			UserAgent: "caseguide-scraper/1.0",
		},
		Workflow:  WorkflowConfig{Workers: 4},
		Analytics: AnalyticsConfig{SampleInterval: "1m", StreamInterval: "30s", StreamConnections: 3},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("CASEGUIDE_DB"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("CASEGUIDE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		c.Rerank.CohereAPIKey = key
	}
	if key := os.Getenv("DEEPINFRA_API_KEY"); key != "" {
		c.Rerank.DeepInfraAPIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.OpenRouter.APIKey = key
	}
	if model := os.Getenv("OPENROUTER_MODEL"); model != "" {
		c.OpenRouter.Model = model
	}
	if level := os.Getenv("CASEGUIDE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if n, err := strconv.Atoi(os.Getenv("CASEGUIDE_WORKERS")); err == nil && n > 0 {
		c.Workflow.Workers = n
	}
}

// ValidRerankProviders lists the supported reranker providers.
var ValidRerankProviders = []string{"cohere", "deepinfra"}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	valid := false
	for _, p := range ValidRerankProviders {
		if c.Rerank.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid rerank provider: %s (valid: %v)", c.Rerank.Provider, ValidRerankProviders)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetReadTimeout returns the server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the server write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 120*time.Second)
}

// GetSessionTTL returns how long login sessions last.
func (c *Config) GetSessionTTL() time.Duration { return duration(c.Auth.SessionTTL, 8*time.Hour) }

// GetRateLimitWindow returns the rate limit window.
func (c *Config) GetRateLimitWindow() time.Duration { return duration(c.RateLimit.Window, time.Minute) }

// GetArtifactTTL returns how long uploads are kept.
func (c *Config) GetArtifactTTL() time.Duration { return duration(c.Artifacts.TTL, time.Hour) }

// GetArtifactCleanupInterval returns how often expired uploads are removed.
func (c *Config) GetArtifactCleanupInterval() time.Duration {
	return duration(c.Artifacts.CleanupInterval, 10*time.Minute)
}

// GetRerankTimeout returns the reranker request timeout.
func (c *Config) GetRerankTimeout() time.Duration { return duration(c.Rerank.Timeout, 30*time.Second) }

// GetOpenRouterTimeout returns the OpenRouter request timeout.
func (c *Config) GetOpenRouterTimeout() time.Duration {
	return duration(c.OpenRouter.Timeout, 30*time.Second)
}

// GetSampleInterval returns how often system metrics are sampled.
func (c *Config) GetSampleInterval() time.Duration {
	return duration(c.Analytics.SampleInterval, time.Minute)
}

// GetStreamInterval returns how often live metrics are pushed.
func (c *Config) GetStreamInterval() time.Duration {
	return duration(c.Analytics.StreamInterval, 30*time.Second)
}

// GetLogLevel returns the configured slog level.
func (c *Config) GetLogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn or error", s)
	}
	return l, nil
}
