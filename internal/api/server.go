// Package api exposes the caseguide services over HTTP.
//
// Every response uses the envelope {status, data, error}. Authenticated
// routes take an opaque bearer session token issued by /api/auth/login.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/analytics"
	"github.com/roach88/caseguide/internal/artifact"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/openrouter"
	"github.com/roach88/caseguide/internal/ratelimit"
	"github.com/roach88/caseguide/internal/rerank"
	"github.com/roach88/caseguide/internal/scraper"
	"github.com/roach88/caseguide/internal/search"
	"github.com/roach88/caseguide/internal/templates"
	"github.com/roach88/caseguide/internal/workflow"
)

// Services are the backends the API routes to. Rerankers, Translator,
// Models, Metrics and Scraper may be nil; their routes then answer 503.
type Services struct {
	Admin      *admin.Service
	Templates  *templates.Service
	Workflows  *workflow.Service
	Search     *search.Service
	Analytics  *analytics.Service
	Artifacts  *artifact.Service
	Rerankers  map[string]rerank.Reranker
	Translator *openrouter.Service
	Models     *openrouter.Catalog
	Metrics    *analytics.Hub
	Scraper    *scraper.Scraper

	// DefaultReranker names the provider used when a request omits one.
	DefaultReranker string
}

// Options tune the server.
type Options struct {
	RateLimit      int
	RateWindow     time.Duration
	MaxConnections int
	Clock          clock.Clock
	Logger         *slog.Logger

	// Ping reports database health for /healthz.
	Ping func(ctx context.Context) error
}

// Server routes HTTP requests to the services.
type Server struct {
	svc     Services
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	limiter *ratelimit.Limiter
	conns   *ratelimit.ConnectionCounter
	started time.Time
}

// New creates a server.
func New(svc Services, opts Options) *Server {
	clk := clock.OrSystem(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     svc,
		opts:    opts,
		logger:  logger,
		clock:   clk,
		limiter: ratelimit.New(opts.RateLimit, opts.RateWindow, clk),
		conns:   ratelimit.NewConnectionCounter(opts.MaxConnections),
		started: clk.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.recordMetrics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Status: statusError, Error: &errorBody{
			Code: "METHOD_NOT_ALLOWED", Message: r.Method + " not allowed",
		}})
	})

	r.Get("/healthz", s.healthz)
	r.Post("/api/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/api/auth/logout", s.logout)
		r.Get("/api/auth/me", s.me)

		r.Route("/api/admin", s.adminRoutes)
		r.Route("/api/templates", s.templateRoutes)
		r.Route("/api/workflows", s.workflowRoutes)
		r.Route("/api/executions", s.executionRoutes)
		r.Route("/api/search", s.searchRoutes)
		r.Route("/api/analytics", s.analyticsRoutes)
		r.Route("/api/a11y", s.a11yRoutes)
		r.Route("/api/artifacts", s.artifactRoutes)
		r.Route("/api/rerank", s.rerankRoutes)
		r.Route("/api/translate", s.translateRoutes)
		r.Route("/api/models", s.modelRoutes)
		r.Route("/api/scrape", s.scrapeRoutes)
	})
	return r
}

// HTTPServer wraps Handler in an http.Server. With useH2C the server also
// accepts HTTP/2 over cleartext.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration, useH2C bool) *http.Server {
	h := s.Handler()
	if useH2C {
		h = h2c.NewHandler(h, &http2.Server{})
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// RunSweeper drops idle rate limit buckets every interval until ctx is
// cancelled.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("rate limit buckets swept", "count", n)
			}
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(s.clock.Now().Sub(s.started).Seconds()),
	}
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			s.logger.Warn("database ping failed", "error", err)
			body["status"] = "degraded"
			body["database"] = err.Error()
			writeData(w, http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	writeData(w, http.StatusOK, body)
}
