package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
)

// SavedSearchRequest creates a saved search.
type SavedSearchRequest struct {
	Name    string         `json:"name"`
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters"`
}

// SavedSearchUpdate changes a saved search. Nil fields are unchanged.
type SavedSearchUpdate struct {
	Name    *string        `json:"name"`
	Query   *string        `json:"query"`
	Filters map[string]any `json:"filters"`
}

// Executed is a saved search after it has been run.
type Executed struct {
	Search  store.SavedSearch             `json:"saved_search"`
	Results paging.Result[store.Document] `json:"results"`
}

func validateSavedSearch(name, q string) error {
	var c apperr.Collector
	checkLength(&c, "name", name, MaxSavedSearchName)
	checkLength(&c, "query", q, MaxQueryLength)
	if err := c.Err(); err != nil {
		return err
	}
	_, err := parseQuery(q)
	return err
}

// SavedSearches lists the actor's saved searches.
func (s *Service) SavedSearches(ctx context.Context, actor admin.Actor) ([]store.SavedSearch, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListSavedSearches(ctx, actor.UserID)
}

// CreateSavedSearch stores a search under a name unique to the actor. A
// taken name gets a timestamp suffix, then a counter, before giving up.
func (s *Service) CreateSavedSearch(ctx context.Context, actor admin.Actor, req SavedSearchRequest) (store.SavedSearch, error) {
	if err := require(actor, admin.ActionWrite); err != nil {
		return store.SavedSearch{}, err
	}
	if err := validateSavedSearch(req.Name, req.Query); err != nil {
		return store.SavedSearch{}, err
	}
	n, err := s.store.CountSavedSearches(ctx, actor.UserID)
	if err != nil {
		return store.SavedSearch{}, err
	}
	if n >= MaxSavedSearches {
		return store.SavedSearch{}, apperr.New(apperr.CodeValidation,
			"saved search limit of %d reached, delete an existing search first", MaxSavedSearches)
	}

	base := strings.TrimSpace(req.Name)
	now := s.clock.Now()
	ss := store.SavedSearch{
		ID:        s.ids.New(),
		UserID:    actor.UserID,
		Query:     req.Query,
		Filters:   emptyIfNil(req.Filters),
		CreatedAt: now,
		UpdatedAt: now,
	}
	stamp := now.Format("20060102_150405")
	for attempt := 0; attempt < nameAttempts; attempt++ {
		switch attempt {
		case 0:
			ss.Name = base
		case 1:
			ss.Name = fmt.Sprintf("%s_%s", base, stamp)
		default:
			ss.Name = fmt.Sprintf("%s_%s_%d", base, stamp, attempt)
		}
		err := s.store.CreateSavedSearch(ctx, ss)
		if err == nil {
			s.logger.Info("saved search created", "user_id", actor.UserID, "name", ss.Name)
			return ss, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return store.SavedSearch{}, err
		}
		s.logger.Debug("saved search name taken", "name", ss.Name, "attempt", attempt+1)
	}
	return store.SavedSearch{}, apperr.New(apperr.CodeConflict,
		"could not save search %q after %d attempts (name conflicts)", base, nameAttempts)
}

// owned loads a saved search and checks the actor owns it.
func (s *Service) owned(ctx context.Context, actor admin.Actor, id string) (store.SavedSearch, error) {
	ss, err := s.store.GetSavedSearch(ctx, id)
	if err != nil {
		return store.SavedSearch{}, notFound(err, "saved search", id)
	}
	if ss.UserID != actor.UserID {
		s.logger.Warn("saved search access denied", "user_id", actor.UserID, "search_id", id)
		return store.SavedSearch{}, apperr.New(apperr.CodeForbidden, "saved search %s belongs to another user", id)
	}
	return ss, nil
}

// SavedSearch returns one of the actor's saved searches.
func (s *Service) SavedSearch(ctx context.Context, actor admin.Actor, id string) (store.SavedSearch, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return store.SavedSearch{}, err
	}
	return s.owned(ctx, actor, id)
}

// UpdateSavedSearch renames or rewrites a saved search. Renaming onto an
// existing name is a conflict.
func (s *Service) UpdateSavedSearch(ctx context.Context, actor admin.Actor, id string, upd SavedSearchUpdate) (store.SavedSearch, error) {
	if err := require(actor, admin.ActionWrite); err != nil {
		return store.SavedSearch{}, err
	}
	ss, err := s.owned(ctx, actor, id)
	if err != nil {
		return store.SavedSearch{}, err
	}
	if upd.Name != nil {
		ss.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Query != nil {
		ss.Query = *upd.Query
	}
	if upd.Filters != nil {
		ss.Filters = upd.Filters
	}
	if err := validateSavedSearch(ss.Name, ss.Query); err != nil {
		return store.SavedSearch{}, err
	}
	ss.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateSavedSearch(ctx, ss); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.SavedSearch{}, apperr.New(apperr.CodeConflict, "a saved search named %q already exists", ss.Name)
		}
		return store.SavedSearch{}, err
	}
	return ss, nil
}

// DeleteSavedSearch removes one of the actor's saved searches.
func (s *Service) DeleteSavedSearch(ctx context.Context, actor admin.Actor, id string) error {
	if err := require(actor, admin.ActionDelete); err != nil {
		return err
	}
	if _, err := s.owned(ctx, actor, id); err != nil {
		return err
	}
	return notFound(s.store.DeleteSavedSearch(ctx, id, actor.UserID), "saved search", id)
}

// ExecuteSavedSearch runs a saved search and records its use.
func (s *Service) ExecuteSavedSearch(ctx context.Context, actor admin.Actor, id string, p paging.Params) (Executed, error) {
	if err := require(actor, admin.ActionExecute); err != nil {
		return Executed{}, err
	}
	ss, err := s.owned(ctx, actor, id)
	if err != nil {
		return Executed{}, err
	}
	res, err := s.Search(ctx, actor, Request{Query: ss.Query, Filters: ss.Filters, Params: p})
	if err != nil {
		return Executed{}, err
	}
	now := s.clock.Now()
	if err := s.store.MarkSavedSearchUsed(ctx, id, now); err != nil {
		return Executed{}, err
	}
	ss.UsageCount++
	ss.LastUsedAt = &now
	return Executed{Search: ss, Results: res.Results}, nil
}
