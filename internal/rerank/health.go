package rerank

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Health statuses.
const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
	StatusError   = "error"
)

// HealthQuery and HealthDocuments form the health check: one relevant document
// and two unrelated ones.
var (
	HealthQuery     = "What is a visa?"
	HealthDocuments = []string{
		"A visa is an official document allowing entry to a country.",
		"The weather is sunny today.",
		"Python is a programming language.",
	}
)

// Health is the outcome of checking one reranker.
type Health struct {
	Provider  string     `json:"provider"`
	Status    string     `json:"status"`
	Model     string     `json:"model"`
	Variance  float64    `json:"test_variance,omitempty"`
	Range     [2]float64 `json:"test_range,omitzero"`
	LatencyMS float64    `json:"latency_ms,omitempty"`
	Warning   string     `json:"warning,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// CheckHealth checks r. A provider is healthy when the test scores are
// spread out; call failures are reported in the result, not returned.
func CheckHealth(ctx context.Context, r Reranker) Health {
	h := Health{Provider: r.Provider(), Model: r.Model()}
	res, err := r.Rerank(ctx, HealthQuery, HealthDocuments, 0)
	if err != nil {
		h.Status = StatusError
		h.Error = err.Error()
		return h
	}
	h.Variance, h.Range, h.LatencyMS = res.Variance, res.Range, res.LatencyMS
	if res.Variance > HealthyVariance {
		h.Status = StatusHealthy
	} else {
		h.Status = StatusWarning
		h.Warning = "Low score variance detected"
	}
	return h
}

// CheckAll checks every reranker concurrently and returns results in the
// same order.
func CheckAll(ctx context.Context, rerankers []Reranker) []Health {
	out := make([]Health, len(rerankers))
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range rerankers {
		g.Go(func() error {
			out[i] = CheckHealth(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
