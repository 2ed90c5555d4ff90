package rerank

import (
	"context"
	"fmt"
	"strings"
)

// Cohere models.
const (
	CohereEnglish      = "rerank-english-v3.0"
	CohereMultilingual = "rerank-multilingual-v3.0"
)

// CohereModels lists the supported Cohere models.
var CohereModels = []string{CohereEnglish, CohereMultilingual}

// CohereBaseURL is the public Cohere API root.
const CohereBaseURL = "https://api.cohere.ai"

// Cohere is a client for the Cohere rerank endpoint.
type Cohere struct {
	*client
}

// NewCohere builds a Cohere client. An empty model selects CohereEnglish.
func NewCohere(apiKey, model string, opts ...Option) (*Cohere, error) {
	if model == "" {
		model = CohereEnglish
	}
	c, err := newClient(ProviderCohere, model, apiKey, CohereBaseURL, CohereModels, opts)
	if err != nil {
		return nil, err
	}
	return &Cohere{client: c}, nil
}

type cohereRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	ReturnDocuments bool     `json:"return_documents"`
	TopN            int      `json:"top_n,omitempty"`
}

type cohereResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores documents. Cohere returns results sorted by relevance;
// they are mapped back to input order, and documents outside top_n score 0.
func (c *Cohere) Rerank(ctx context.Context, query string, documents []string, topK int) (Result, error) {
	if len(documents) == 0 {
		return c.empty(), nil
	}
	start := c.clock.Now()

	var resp cohereResponse
	req := cohereRequest{Model: c.model, Query: query, Documents: documents, TopN: topK}
	if err := c.post(ctx, strings.TrimRight(c.baseURL, "/")+"/v1/rerank", req, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Results) == 0 {
		return Result{}, fmt.Errorf("invalid cohere response format: no results")
	}

	scores := make([]float64, len(documents))
	for _, item := range resp.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			return Result{}, fmt.Errorf("invalid cohere response format: index %d out of range", item.Index)
		}
		scores[item.Index] = item.RelevanceScore
	}
	return c.result(scores, start), nil
}
