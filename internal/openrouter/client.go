// Package openrouter translates guidance documents into plain English and
// summarises them through the OpenRouter chat completions API, caching
// every output by content hash.
package openrouter

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/caseguide/internal/retry"
)

// Defaults.
const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "anthropic/claude-3-haiku"
	DefaultReferer = "https://caseguide.local"
	DefaultTimeout = 30 * time.Second

	maxResponseSize = 10 * 1024 * 1024
)

// ErrNoAPIKey is returned by calls made without credentials.
var ErrNoAPIKey = errors.New("OPENROUTER_API_KEY not configured")

// APIError is a non-2xx response or an error object in the body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "openrouter API error: " + e.Message
	}
	return fmt.Sprintf("openrouter API returned status %d: %s", e.StatusCode, e.Message)
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the chat completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	referer string
	http    *http.Client
	breaker *retry.Breaker
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the default model.
func WithModel(m string) ClientOption {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

// WithReferer sets the HTTP-Referer header OpenRouter uses for attribution.
func WithReferer(r string) ClientOption {
	return func(c *Client) { c.referer = r }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *retry.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client. An empty key is allowed so the server can
// start without one; every call then fails with ErrNoAPIKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		referer: DefaultReferer,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if apiKey == "" {
		c.logger.Warn("OPENROUTER_API_KEY not configured, API calls will fail")
	}
	return c
}

// Model returns the default model.
func (c *Client) Model() string { return c.model }

// Complete sends messages and returns the trimmed reply and the model
// that produced it. An empty model uses the client default.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, maxTokens int) (string, string, error) {
	if c.apiKey == "" {
		return "", "", ErrNoAPIKey
	}
	if model == "" {
		model = c.model
	}
	req := chatRequest{Model: model, Messages: messages, MaxTokens: maxTokens}

	var resp chatResponse
	call := func() error { return c.post(ctx, req, &resp) }
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		c.logger.Error("openrouter call failed", "model", model, "error", err)
		return "", "", err
	}

	used := resp.Model
	if used == "" {
		used = model
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), used, nil
}

type modelsResponse struct {
	Data []struct {
		ID            string                 `json:"id"`
		Name          string                 `json:"name"`
		Description   string                 `json:"description"`
		ContextLength int                    `json:"context_length"`
		Pricing       map[string]json.Number `json:"pricing"`
	} `json:"data"`
}

// ListModels fetches the models OpenRouter offers. Entries without an id
// are skipped.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	var resp modelsResponse
	call := func() error { return c.get(ctx, "/models", &resp) }
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		c.logger.Error("openrouter model list failed", "error", err)
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID == "" {
			c.logger.Warn("skipping model entry without id", "name", m.Name)
			continue
		}
		info := ModelInfo{
			ID:            m.ID,
			Name:          cmp.Or(m.Name, m.ID),
			Description:   m.Description,
			ContextLength: cmp.Or(m.ContextLength, defaultContextLength),
			Pricing:       m.Pricing,
		}
		if info.Pricing == nil {
			info.Pricing = map[string]json.Number{}
		}
		models = append(models, info)
	}
	return models, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read openrouter response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse openrouter response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body chatRequest, out *chatResponse) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read openrouter response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse openrouter response: %w", err)
	}
	if out.Error != nil {
		return &APIError{Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return &APIError{Message: "no completion returned"}
	}
	return nil
}
