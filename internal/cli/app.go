package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/api"
	"github.com/roach88/caseguide/internal/artifact"
	"github.com/roach88/caseguide/internal/config"
	"github.com/roach88/caseguide/internal/openrouter"
	"github.com/roach88/caseguide/internal/rerank"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/scraper"
	"github.com/roach88/caseguide/internal/search"
	"github.com/roach88/caseguide/internal/store"
	"github.com/roach88/caseguide/internal/templates"
	"github.com/roach88/caseguide/internal/workflow"
)

// Breaker settings shared by every upstream dependency.
const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
	stepHTTPTimeout  = 30 * time.Second
)

// systemActor performs CLI operations that bypass sessions.
var systemActor = admin.Actor{UserID: "system", Username: "system", Role: admin.RoleAdmin, UserAgent: "caseguide-cli"}

// app holds every service built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	breakers *retry.Registry

	admin     *admin.Service
	templates *templates.Service
	runner    *workflow.Runner
	workflows *workflow.Service
	search    *search.Service
	analytics *analytics.Service
	artifacts *artifact.Service
	rerankers map[string]rerank.Reranker
	translate *openrouter.Service
	models    *openrouter.Catalog
	metrics   *analytics.Hub
	scraper   *scraper.Scraper
}

// openApp opens the database, seeds the built-in roles and wires the
// services. The caller must Close the app.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	if err := admin.SeedRoles(ctx, st, nil, nil); err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		breakers: retry.NewRegistry(breakerThreshold, breakerCooldown, nil),
	}
	a.admin = admin.NewService(st, admin.WithLogger(logger), admin.WithSessionTTL(cfg.GetSessionTTL()))
	auditor := a.admin.Auditor()

	handlers := workflow.DefaultHandlers(&http.Client{Timeout: stepHTTPTimeout}, a.breakers, logger)
	a.runner = workflow.NewRunner(st,
		workflow.WithHandlers(handlers),
		workflow.WithBreakers(a.breakers),
		workflow.WithRunnerLogger(logger),
		workflow.WithWorkers(cfg.Workflow.Workers),
	)
	a.templates = templates.NewService(st, auditor, nil, nil, logger)
	a.workflows = workflow.NewService(st, a.runner, auditor, nil, nil, logger)
	a.search = search.NewService(st, nil, nil, logger)
	a.analytics = analytics.NewService(st, nil, nil, logger)

	a.artifacts, err = artifact.NewService(st, cfg.Artifacts.Dir,
		artifact.WithTTL(cfg.GetArtifactTTL()),
		artifact.WithMaxBytes(cfg.Artifacts.MaxBytes),
		artifact.WithLogger(logger),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.rerankers, err = a.buildRerankers()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var lister openrouter.ModelLister
	if client := a.buildOpenRouter(); client != nil {
		a.translate = openrouter.NewService(client, st, nil, nil, logger, cfg.OpenRouter.MaxConcurrency)
		lister = client
	}
	a.models = openrouter.NewCatalog(lister, openrouter.DefaultCatalogTTL, nil, logger)
	a.metrics = analytics.NewHub(a.analytics, cfg.Analytics.StreamConnections)
	a.scraper = scraper.New(st,
		scraper.WithRate(rate.Limit(cfg.Scraper.Rate)),
		scraper.WithMaxDepth(cfg.Scraper.MaxDepth),
		scraper.WithUserAgent(cfg.Scraper.UserAgent),
		scraper.WithLogger(logger),
	)
	return a, nil
}

// buildRerankers creates a client for every provider with an API key.
// The configured model applies to the configured provider only.
func (a *app) buildRerankers() (map[string]rerank.Reranker, error) {
	cfg := a.cfg.Rerank
	model := func(provider string) string {
		if provider == cfg.Provider {
			return cfg.Model
		}
		return ""
	}
	opts := func(provider string) []rerank.Option {
		return []rerank.Option{
			rerank.WithTimeout(a.cfg.GetRerankTimeout()),
			rerank.WithBreaker(a.breakers.Get("rerank:" + provider)),
			rerank.WithLogger(a.logger),
		}
	}

	out := map[string]rerank.Reranker{}
	if cfg.CohereAPIKey != "" {
		c, err := rerank.NewCohere(cfg.CohereAPIKey, model(rerank.ProviderCohere), opts(rerank.ProviderCohere)...)
		if err != nil {
			return nil, fmt.Errorf("cohere reranker: %w", err)
		}
		out[rerank.ProviderCohere] = c
	}
	if cfg.DeepInfraAPIKey != "" {
		d, err := rerank.NewDeepInfra(cfg.DeepInfraAPIKey, model(rerank.ProviderDeepInfra), opts(rerank.ProviderDeepInfra)...)
		if err != nil {
			return nil, fmt.Errorf("deepinfra reranker: %w", err)
		}
		out[rerank.ProviderDeepInfra] = d
	}
	if len(out) == 0 {
		a.logger.Warn("no reranker API keys configured, /api/rerank is disabled")
	}
	return out, nil
}

// buildOpenRouter returns nil without an API key.
func (a *app) buildOpenRouter() *openrouter.Client {
	cfg := a.cfg.OpenRouter
	if cfg.APIKey == "" {
		a.logger.Warn("OPENROUTER_API_KEY not configured, /api/translate is disabled")
		return nil
	}
	return openrouter.NewClient(cfg.APIKey,
		openrouter.WithBaseURL(cfg.BaseURL),
		openrouter.WithModel(cfg.Model),
		openrouter.WithReferer(cfg.Referer),
		openrouter.WithTimeout(a.cfg.GetOpenRouterTimeout()),
		openrouter.WithBreaker(a.breakers.Get("openrouter")),
		openrouter.WithClientLogger(a.logger),
	)
}

// server builds the HTTP API over the app's services.
func (a *app) server() *api.Server {
	return api.New(api.Services{
		Admin:           a.admin,
		Templates:       a.templates,
		Workflows:       a.workflows,
		Search:          a.search,
		Analytics:       a.analytics,
		Artifacts:       a.artifacts,
		Rerankers:       a.rerankers,
		Translator:      a.translate,
		Models:          a.models,
		Metrics:         a.metrics,
		Scraper:         a.scraper,
		DefaultReranker: a.cfg.Rerank.Provider,
	}, api.Options{
		RateLimit:      a.cfg.RateLimit.Requests,
		RateWindow:     a.cfg.GetRateLimitWindow(),
		MaxConnections: a.cfg.RateLimit.WebsocketConnections,
		Logger:         a.logger,
		Ping:           a.store.Ping,
	})
}

// Close releases the database.
func (a *app) Close() error {
	return a.store.Close()
}
