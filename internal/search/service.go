// Package search runs boolean document searches and keeps each user's
// saved searches, saved queries and search history.
package search

import (
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/roach88/caseguide/internal/admin"
	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Limits.
const (
	MaxSavedSearches   = 50
	MaxSavedSearchName = 100
	MaxQueryLength     = 1000
	MaxHistory         = 100
	MaxSavedQueryName  = 200

	nameAttempts = 5
)

// Service implements search operations for authenticated actors.
type Service struct {
	store  *store.Store
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a search service.
func NewService(st *store.Store, gen ids.Generator, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ids: ids.OrDefault(gen), clock: clock.OrSystem(clk), logger: logger}
}

func require(actor admin.Actor, a admin.Action) error {
	return actor.Require(admin.Perm(admin.CategorySearch, a))
}

func checkLength(c *apperr.Collector, field, v string, max int) {
	n := utf8.RuneCountInString(strings.TrimSpace(v))
	c.Check(n >= 1 && n <= max, field, "must be 1-%d characters", max)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(kind, id)
	}
	return err
}

// fold case-folds s for comparisons. A Caser holds state, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
