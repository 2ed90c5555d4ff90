package search

import (
	"context"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/store"
)

// History returns the actor's most recent searches, newest first. A zero
// limit means 50.
func (s *Service) History(ctx context.Context, actor admin.Actor, limit int) ([]store.SearchHistoryEntry, error) {
	if err := require(actor, admin.ActionRead); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = 50
	}
	if limit < 1 || limit > MaxHistory {
		return nil, apperr.Invalid("limit", "must be between 1 and %d", MaxHistory)
	}
	return s.store.ListSearchHistory(ctx, actor.UserID, limit)
}

// ClearHistory deletes all of the actor's history and returns how many
// entries were removed.
func (s *Service) ClearHistory(ctx context.Context, actor admin.Actor) (int64, error) {
	if err := require(actor, admin.ActionDelete); err != nil {
		return 0, err
	}
	n, err := s.store.ClearSearchHistory(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("search history cleared", "user_id", actor.UserID, "deleted", n)
	return n, nil
}

// DeleteHistoryEntry removes one entry. Entries of other users are
// reported as not found.
func (s *Service) DeleteHistoryEntry(ctx context.Context, actor admin.Actor, id string) error {
	if err := require(actor, admin.ActionDelete); err != nil {
		return err
	}
	return notFound(s.store.DeleteSearchHistoryEntry(ctx, id, actor.UserID), "history entry", id)
}
