package search

import (
	"context"
	"regexp"
	"slices"
	"sort"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/query"
	"github.com/roach88/caseguide/internal/queryir"
	"github.com/roach88/caseguide/internal/store"
)

// Request is a boolean search.
type Request struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	paging.Params
}

// Result is one page of matching documents with the parsed query tree.
type Result struct {
	Query   string                        `json:"query"`
	Parsed  map[string]any                `json:"parsed_query"`
	Results paging.Result[store.Document] `json:"results"`
}

// Validation reports whether a query parses.
type Validation struct {
	IsValid      bool           `json:"is_valid"`
	SyntaxErrors []string       `json:"syntax_errors"`
	Parsed       map[string]any `json:"parsed_query,omitempty"`
}

// FieldRequest searches one document field.
type FieldRequest struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

// FieldResult is the outcome of a field search.
type FieldResult struct {
	Field      string           `json:"field"`
	Operator   string           `json:"operator"`
	Value      string           `json:"value"`
	Results    []store.Document `json:"results"`
	TotalCount int              `json:"total_count"`
}

// Search parses q, runs it over the document store and records it in the
// actor's history.
func (s *Service) Search(ctx context.Context, actor admin.Actor, req Request) (Result, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return Result{}, err
	}
	p, err := req.Params.Normalize(20, 100)
	if err != nil {
		return Result{}, err
	}
	pred, err := parseQuery(req.Query)
	if err != nil {
		return Result{}, err
	}
	res, err := s.run(ctx, pred, p)
	if err != nil {
		return Result{}, err
	}

	entry := store.SearchHistoryEntry{
		ID:          s.ids.New(),
		UserID:      actor.UserID,
		Query:       req.Query,
		Filters:     emptyIfNil(req.Filters),
		ResultCount: res.Total,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.AddSearchHistory(ctx, entry, MaxHistory); err != nil {
		return Result{}, err
	}
	return Result{Query: req.Query, Parsed: queryir.ToMap(pred), Results: res}, nil
}

func (s *Service) run(ctx context.Context, pred queryir.Predicate, p paging.Params) (paging.Result[store.Document], error) {
	docs, total, err := s.store.SearchDocuments(ctx, queryir.Select{Filter: pred, Limit: p.Limit, Offset: p.Offset()})
	if err != nil {
		return paging.Result[store.Document]{}, err
	}
	s.logger.Debug("search executed", "total", total, "page", p.Page)
	return paging.NewResult(docs, total, p), nil
}

// Validate parses q without running it.
func (s *Service) Validate(actor admin.Actor, q string) (Validation, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return Validation{}, err
	}
	pred, err := query.Parse(q)
	if err != nil {
		return Validation{IsValid: false, SyntaxErrors: []string{err.Error()}}, nil
	}
	return Validation{IsValid: true, SyntaxErrors: []string{}, Parsed: queryir.ToMap(pred)}, nil
}

// FieldSearch matches a single field with one of the field operators.
func (s *Service) FieldSearch(ctx context.Context, actor admin.Actor, req FieldRequest) (FieldResult, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return FieldResult{}, err
	}
	if req.Limit == 0 {
		req.Limit = 20
	}

	var c apperr.Collector
	c.Check(slices.Contains(queryir.SearchableFields, req.Field), "field", "must be one of title, content, metadata")
	c.Check(slices.Contains(queryir.FieldOps, queryir.FieldOp(req.Operator)), "operator", "must be one of equals, contains, starts_with, regex")
	c.Check(req.Value != "", "value", "is required")
	c.Check(req.Limit >= 1 && req.Limit <= 100, "limit", "must be between 1 and 100")
	c.Check(req.Offset >= 0, "offset", "must be >= 0")
	if queryir.FieldOp(req.Operator) == queryir.OpRegex {
		if _, err := regexp.Compile(req.Value); err != nil {
			c.Add("value", "invalid regular expression: %v", err)
		}
	}
	if err := c.Err(); err != nil {
		return FieldResult{}, err
	}

	pred := queryir.FieldMatch{Field: req.Field, Op: queryir.FieldOp(req.Operator), Value: req.Value}
	docs, total, err := s.store.SearchDocuments(ctx, queryir.Select{Filter: pred, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return FieldResult{}, err
	}
	return FieldResult{
		Field:      req.Field,
		Operator:   req.Operator,
		Value:      req.Value,
		Results:    docs,
		TotalCount: total,
	}, nil
}

func parseQuery(q string) (queryir.Predicate, error) {
	if len(q) > MaxQueryLength {
		return nil, apperr.Invalid("query", "must be at most %d characters", MaxQueryLength)
	}
	pred, err := query.Parse(q)
	if err != nil {
		return nil, apperr.Invalid("query", "%v", err)
	}
	return pred, nil
}

// withFieldFilters ANDs a contains match per filter onto pred. author and
// date live in document metadata.
func withFieldFilters(pred queryir.Predicate, filters map[string]string) queryir.Predicate {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := filters[k]
		if v == "" {
			continue
		}
		field := k
		if !slices.Contains(queryir.SearchableFields, field) {
			field = "metadata"
		}
		pred = queryir.And{Left: pred, Right: queryir.FieldMatch{Field: field, Op: queryir.OpContains, Value: v}}
	}
	return pred
}
