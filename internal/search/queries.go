package search

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
)

// FieldFilterKeys are the keys a saved query may filter on.
var FieldFilterKeys = []string{"title", "content", "metadata", "author", "date"}

// Suggestion sources.
const (
	SourceSavedQuery = "saved_query"
	SourceHistory    = "history"
)

// QueryRequest creates or replaces a saved query.
type QueryRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Query        string            `json:"query"`
	FieldFilters map[string]string `json:"field_filters"`
}

// Suggestion is a previously used query matching a prefix.
type Suggestion struct {
	QueryText      string `json:"query_text"`
	ExecutionCount int    `json:"execution_count"`
	AvgResultCount int    `json:"avg_result_count"`
	Source         string `json:"source"`
}

func (r QueryRequest) validate() error {
	var c apperr.Collector
	checkLength(&c, "name", r.Name, MaxSavedQueryName)
	checkLength(&c, "query", r.Query, MaxQueryLength)
	keys := make([]string, 0, len(r.FieldFilters))
	for k := range r.FieldFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Check(slices.Contains(FieldFilterKeys, k), "field_filters", "unknown key %q, must be one of %s", k, strings.Join(FieldFilterKeys, ", "))
	}
	if err := c.Err(); err != nil {
		return err
	}
	_, err := parseQuery(r.Query)
	return err
}

// SavedQueries lists a page of the actor's saved queries.
func (s *Service) SavedQueries(ctx context.Context, actor admin.Actor, p paging.Params) (paging.Result[store.SavedQuery], error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return paging.Result[store.SavedQuery]{}, err
	}
	p, err := p.Normalize(50, 100)
	if err != nil {
		return paging.Result[store.SavedQuery]{}, err
	}
	all, err := s.store.ListSavedQueries(ctx, actor.UserID)
	if err != nil {
		return paging.Result[store.SavedQuery]{}, err
	}
	start := min(p.Offset(), len(all))
	end := min(start+p.Limit, len(all))
	return paging.NewResult(all[start:end], len(all), p), nil
}

// CreateSavedQuery stores a new saved query.
func (s *Service) CreateSavedQuery(ctx context.Context, actor admin.Actor, req QueryRequest) (store.SavedQuery, error) {
	if err := require(actor, admin.ActionWrite); err != nil {
		return store.SavedQuery{}, err
	}
	if err := req.validate(); err != nil {
		return store.SavedQuery{}, err
	}
	now := s.clock.Now()
	q := store.SavedQuery{
		ID:           s.ids.New(),
		UserID:       actor.UserID,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Query:        req.Query,
		FieldFilters: req.FieldFilters,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if q.FieldFilters == nil {
		q.FieldFilters = map[string]string{}
	}
	if err := s.store.SaveSavedQuery(ctx, q); err != nil {
		return store.SavedQuery{}, err
	}
	return q, nil
}

// ownedQuery loads a saved query; other users' queries are not found.
func (s *Service) ownedQuery(ctx context.Context, actor admin.Actor, id string) (store.SavedQuery, error) {
	q, err := s.store.GetSavedQuery(ctx, id)
	if err != nil {
		return store.SavedQuery{}, notFound(err, "saved query", id)
	}
	if q.UserID != actor.UserID {
		return store.SavedQuery{}, apperr.NotFound("saved query", id)
	}
	return q, nil
}

// SavedQuery returns one of the actor's saved queries.
func (s *Service) SavedQuery(ctx context.Context, actor admin.Actor, id string) (store.SavedQuery, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return store.SavedQuery{}, err
	}
	return s.ownedQuery(ctx, actor, id)
}

// UpdateSavedQuery replaces a saved query, keeping its usage counters.
func (s *Service) UpdateSavedQuery(ctx context.Context, actor admin.Actor, id string, req QueryRequest) (store.SavedQuery, error) {
	if err := require(actor, admin.ActionWrite); err != nil {
		return store.SavedQuery{}, err
	}
	q, err := s.ownedQuery(ctx, actor, id)
	if err != nil {
		return store.SavedQuery{}, err
	}
	if err := req.validate(); err != nil {
		return store.SavedQuery{}, err
	}
	q.Name = strings.TrimSpace(req.Name)
	q.Description = req.Description
	q.Query = req.Query
	q.FieldFilters = req.FieldFilters
	if q.FieldFilters == nil {
		q.FieldFilters = map[string]string{}
	}
	q.UpdatedAt = s.clock.Now()
	if err := s.store.SaveSavedQuery(ctx, q); err != nil {
		return store.SavedQuery{}, err
	}
	return q, nil
}

// DeleteSavedQuery removes one of the actor's saved queries.
func (s *Service) DeleteSavedQuery(ctx context.Context, actor admin.Actor, id string) error {
	if err := require(actor, admin.ActionDelete); err != nil {
		return err
	}
	return notFound(s.store.DeleteSavedQuery(ctx, id, actor.UserID), "saved query", id)
}

// ExecuteSavedQuery runs a saved query with its field filters applied and
// bumps its execution count.
func (s *Service) ExecuteSavedQuery(ctx context.Context, actor admin.Actor, id string, p paging.Params) (paging.Result[store.Document], error) {
	if err := require(actor, admin.ActionExecute); err != nil {
		return paging.Result[store.Document]{}, err
	}
	q, err := s.ownedQuery(ctx, actor, id)
	if err != nil {
		return paging.Result[store.Document]{}, err
	}
	p, err = p.Normalize(20, 100)
	if err != nil {
		return paging.Result[store.Document]{}, err
	}
	pred, err := parseQuery(q.Query)
	if err != nil {
		return paging.Result[store.Document]{}, err
	}
	res, err := s.run(ctx, withFieldFilters(pred, q.FieldFilters), p)
	if err != nil {
		return paging.Result[store.Document]{}, err
	}

	now := s.clock.Now()
	q.ExecutionCount++
	q.LastExecutedAt = &now
	if err := s.store.SaveSavedQuery(ctx, q); err != nil {
		return paging.Result[store.Document]{}, err
	}
	return res, nil
}

// Suggestions returns the actor's previous queries that start with prefix,
// compared case-folded, most used first. A zero limit means 10.
func (s *Service) Suggestions(ctx context.Context, actor admin.Actor, prefix string, limit int) ([]Suggestion, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = 10
	}
	if limit < 1 || limit > 20 {
		return nil, apperr.Invalid("limit", "must be between 1 and 20")
	}
	want := fold(prefix)

	type agg struct {
		Suggestion
		results int
		runs    int
	}
	byKey := map[string]*agg{}
	var order []string

	saved, err := s.store.ListSavedQueries(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for _, q := range saved {
		key := fold(q.Query)
		if !strings.HasPrefix(key, want) {
			continue
		}
		if a, ok := byKey[key]; ok {
			a.ExecutionCount += q.ExecutionCount
			continue
		}
		byKey[key] = &agg{Suggestion: Suggestion{QueryText: q.Query, ExecutionCount: q.ExecutionCount, Source: SourceSavedQuery}}
		order = append(order, key)
	}

	history, err := s.store.ListSearchHistory(ctx, actor.UserID, MaxHistory)
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		key := fold(h.Query)
		if !strings.HasPrefix(key, want) {
			continue
		}
		a, ok := byKey[key]
		if !ok {
			a = &agg{Suggestion: Suggestion{QueryText: h.Query, Source: SourceHistory}}
			byKey[key] = a
			order = append(order, key)
		}
		a.ExecutionCount++
		a.results += h.ResultCount
		a.runs++
	}

	out := make([]Suggestion, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		if a.runs > 0 {
			a.AvgResultCount = a.results / a.runs
		}
		out = append(out, a.Suggestion)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExecutionCount != out[j].ExecutionCount {
			return out[i].ExecutionCount > out[j].ExecutionCount
		}
		return out[i].QueryText < out[j].QueryText
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
