package rerank

import (
	"context"
	"fmt"
	"strings"
)

// DeepInfra Qwen reranker models.
const (
	Qwen06B = "Qwen/Qwen3-Reranker-0.6B"
	Qwen4B  = "Qwen/Qwen3-Reranker-4B"
	Qwen8B  = "Qwen/Qwen3-Reranker-8B"
)

// DeepInfraModels lists the supported DeepInfra models.
var DeepInfraModels = []string{Qwen06B, Qwen4B, Qwen8B}

// DeepInfraBaseURL is the public DeepInfra API root.
const DeepInfraBaseURL = "https://api.deepinfra.com"

// DeepInfra is a client for DeepInfra's reranker inference endpoint.
type DeepInfra struct {
	*client
}

// NewDeepInfra builds a DeepInfra client. An empty model selects Qwen8B.
func NewDeepInfra(apiKey, model string, opts ...Option) (*DeepInfra, error) {
	if model == "" {
		model = Qwen8B
	}
	c, err := newClient(ProviderDeepInfra, model, apiKey, DeepInfraBaseURL, DeepInfraModels, opts)
	if err != nil {
		return nil, err
	}
	return &DeepInfra{client: c}, nil
}

type deepInfraRequest struct {
	Queries   []string `json:"queries"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k,omitempty"`
}

type deepInfraResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores documents. DeepInfra returns scores in input order.
func (d *DeepInfra) Rerank(ctx context.Context, query string, documents []string, topK int) (Result, error) {
	if len(documents) == 0 {
		return d.empty(), nil
	}
	start := d.clock.Now()

	var resp deepInfraResponse
	req := deepInfraRequest{Queries: []string{query}, Documents: documents, TopK: topK}
	url := strings.TrimRight(d.baseURL, "/") + "/v1/inference/" + d.model
	if err := d.post(ctx, url, req, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Scores) == 0 {
		return Result{}, fmt.Errorf("invalid deepinfra response format: no scores")
	}
	return d.result(resp.Scores, start), nil
}
