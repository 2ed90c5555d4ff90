// Package rerank calls hosted cross-encoder rerankers (Cohere and
// DeepInfra) and reports the score distribution of each call so uniform
// scoring can be spotted.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/retry"
)

// Providers.
const (
	ProviderCohere    = "cohere"
	ProviderDeepInfra = "deepinfra"
)

// Score distribution thresholds.
const (
	UniformVariance = 0.0001
	HealthyVariance = 0.001
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 * 1024 * 1024
)

// ErrNoAPIKey is returned when a client is built without credentials.
var ErrNoAPIKey = errors.New("api key required")

// Result is the outcome of one rerank call. Scores are in input order.
type Result struct {
	Scores    []float64  `json:"scores"`
	Model     string     `json:"model"`
	LatencyMS float64    `json:"latency_ms"`
	Variance  float64    `json:"score_variance"`
	Range     [2]float64 `json:"score_range"`
}

// Uniform reports whether every document got practically the same score.
func (r Result) Uniform() bool {
	return len(r.Scores) > 1 && r.Variance < UniformVariance
}

// Reranker scores documents against a query.
type Reranker interface {
	Provider() string
	Model() string
	Rerank(ctx context.Context, query string, documents []string, topK int) (Result, error)
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsAPIError reports whether err is (or wraps) an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// Option configures a client.
type Option func(*client)

// WithBaseURL overrides the provider endpoint root.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *client) { c.http = h }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *client) { c.http = &http.Client{Timeout: d} }
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *retry.Breaker) Option {
	return func(c *client) { c.breaker = b }
}

// WithClock sets the clock used for latency.
func WithClock(clk clock.Clock) Option {
	return func(c *client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *client) { c.logger = l }
}

// client holds what both providers share.
type client struct {
	provider string
	model    string
	apiKey   string
	baseURL  string
	http     *http.Client
	breaker  *retry.Breaker
	clock    clock.Clock
	logger   *slog.Logger
}

func newClient(provider, model, apiKey, baseURL string, models []string, opts []Option) (*client, error) {
	if !slices.Contains(models, model) {
		return nil, fmt.Errorf("model %q not supported by %s, available: %v", model, provider, models)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}
	c := &client{
		provider: provider,
		model:    model,
		apiKey:   apiKey,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrSystem(c.clock)
	c.logger = c.logger.With("provider", provider, "model", model)
	return c, nil
}

func (c *client) Provider() string { return c.provider }
func (c *client) Model() string    { return c.model }

// post sends body as JSON to url and decodes the response into out,
// going through the breaker when one is set.
func (c *client) post(ctx context.Context, url string, body, out any) error {
	call := func() error { return c.doPost(ctx, url, body, out) }
	if c.breaker == nil {
		return call()
	}
	return c.breaker.Do(call)
}

func (c *client) doPost(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("rerank request failed", "error", err)
		return fmt.Errorf("%s request: %w", c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", c.provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("rerank API error", "status", resp.StatusCode)
		return &APIError{Provider: c.provider, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid %s response format: %w", c.provider, err)
	}
	return nil
}

// result builds a Result and logs the distribution.
func (c *client) result(scores []float64, start time.Time) Result {
	r := Result{
		Scores:    scores,
		Model:     c.model,
		LatencyMS: float64(c.clock.Now().Sub(start).Microseconds()) / 1000,
	}
	r.Variance, r.Range = Distribution(scores)
	if r.Uniform() {
		c.logger.Warn("uniform scoring detected", "variance", r.Variance)
	}
	c.logger.Info("reranked documents",
		"documents", len(scores), "latency_ms", r.LatencyMS, "variance", r.Variance,
		"min", r.Range[0], "max", r.Range[1])
	return r
}

func (c *client) empty() Result {
	c.logger.Warn("no documents to rerank")
	return Result{Scores: []float64{}, Model: c.model}
}

// Distribution returns the population variance and the [min, max] range
// of scores.
func Distribution(scores []float64) (float64, [2]float64) {
	if len(scores) == 0 {
		return 0, [2]float64{}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	var sum float64
	for _, s := range scores {
		sum += s
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	mean := sum / float64(len(scores))
	var sq float64
	for _, s := range scores {
		sq += (s - mean) * (s - mean)
	}
	return sq / float64(len(scores)), [2]float64{lo, hi}
}
