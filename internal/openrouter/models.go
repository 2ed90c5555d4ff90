package openrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/caseguide/internal/clock"
)

// DefaultCatalogTTL is how long a fetched model list is served from memory.
const DefaultCatalogTTL = 30 * time.Minute

const defaultContextLength = 4096

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	ContextLength int                    `json:"context_length"`
	Pricing       map[string]json.Number `json:"pricing"`
}

// DefaultModels is offered when no API key is configured.
var DefaultModels = []ModelInfo{
	{
		ID:            "qwen/qwen3-30b-a3b-instruct-2507",
		Name:          "Qwen3 30B A3B Instruct",
		Description:   "Instruction-following model, the default for guidance translation",
		ContextLength: 32768,
		Pricing:       map[string]json.Number{"prompt": "0.0", "completion": "0.0"},
	},
	{
		ID:            "anthropic/claude-3.5-sonnet",
		Name:          "Claude 3.5 Sonnet",
		Description:   "Strong reasoning for long, dense guidance",
		ContextLength: 200000,
		Pricing:       map[string]json.Number{"prompt": "0.003", "completion": "0.015"},
	},
	{
		ID:            "openai/gpt-4-turbo",
		Name:          "GPT-4 Turbo",
		Description:   "General purpose model with a large context window",
		ContextLength: 128000,
		Pricing:       map[string]json.Number{"prompt": "0.01", "completion": "0.03"},
	},
}

// ModelList is the catalog response.
type ModelList struct {
	Models   []ModelInfo `json:"models"`
	Cached   bool        `json:"cached"`
	CachedAt time.Time   `json:"cached_at"`
}

// ModelLister fetches the live model list. *Client satisfies it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Catalog serves the model list, refreshing it from OpenRouter at most
// once per TTL. Concurrent refreshes share one upstream call.
type Catalog struct {
	lister ModelLister
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	models    []ModelInfo
	fetchedAt time.Time
}

// NewCatalog creates a catalog over lister. A nil lister serves
// DefaultModels. A non-positive ttl means DefaultCatalogTTL.
func NewCatalog(lister ModelLister, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{lister: lister, ttl: ttl, clock: clock.OrSystem(clk), logger: logger}
}

// Models returns the cached list while it is fresh and refetches it
// otherwise.
func (c *Catalog) Models(ctx context.Context) (ModelList, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		list := ModelList{Models: c.models, Cached: true, CachedAt: c.fetchedAt}
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("models", func() (any, error) {
		models := DefaultModels
		if c.lister != nil {
			var err error
			if models, err = c.lister.ListModels(ctx); err != nil {
				return nil, err
			}
		} else {
			c.logger.Warn("OPENROUTER_API_KEY not configured, serving the default model list")
		}

		now := c.clock.Now()
		c.mu.Lock()
		c.models, c.fetchedAt = models, now
		c.mu.Unlock()
		c.logger.Info("model catalog refreshed", "models", len(models))
		return ModelList{Models: models, CachedAt: now}, nil
	})
	if err != nil {
		return ModelList{}, err
	}
	return v.(ModelList), nil
}
