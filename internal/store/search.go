package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SavedSearch is a named boolean query owned by a user.
type SavedSearch struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	Query      string         `json:"query"`
	Filters    map[string]any `json:"filters"`
	UsageCount int            `json:"usage_count"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SearchHistoryEntry records one executed search.
type SearchHistoryEntry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Query       string         `json:"query"`
	Filters     map[string]any `json:"filters"`
	ResultCount int            `json:"result_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SavedQuery is an advanced query with structured field filters.
type SavedQuery struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Query          string            `json:"query"`
	FieldFilters   map[string]string `json:"field_filters"`
	ExecutionCount int               `json:"execution_count"`
	LastExecutedAt *time.Time        `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// CreateSavedSearch inserts a saved search. Returns ErrConflict if the user
// already has a search with the same name.
func (s *Store) CreateSavedSearch(ctx context.Context, ss SavedSearch) error {
	filters, err := marshalJSON(ss.Filters, "{}")
	if err != nil {
		return fmt.Errorf("create saved search: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_searches (id, user_id, name, query, filters, usage_count, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ss.ID, ss.UserID, ss.Name, ss.Query, filters, ss.UsageCount, formatNullTime(ss.LastUsedAt),
		formatTime(ss.CreatedAt), formatTime(ss.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create saved search: %w", ErrConflict)
		}
		return fmt.Errorf("create saved search: %w", err)
	}
	return nil
}

// UpdateSavedSearch rewrites name, query and filters.
func (s *Store) UpdateSavedSearch(ctx context.Context, ss SavedSearch) error {
	filters, err := marshalJSON(ss.Filters, "{}")
	if err != nil {
		return fmt.Errorf("update saved search: %w", err)
	}
	if err := s.execOne(ctx, `
		UPDATE saved_searches SET name = ?, query = ?, filters = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, ss.Name, ss.Query, filters, formatTime(ss.UpdatedAt), ss.ID, ss.UserID); err != nil {
		return fmt.Errorf("update saved search: %w", err)
	}
	return nil
}

// MarkSavedSearchUsed increments usage_count and sets last_used_at.
func (s *Store) MarkSavedSearchUsed(ctx context.Context, id string, at time.Time) error {
	if err := s.execOne(ctx, `
		UPDATE saved_searches SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?
	`, formatTime(at), id); err != nil {
		return fmt.Errorf("mark saved search used: %w", err)
	}
	return nil
}

const savedSearchColumns = `id, user_id, name, query, filters, usage_count, last_used_at, created_at, updated_at`

// GetSavedSearch returns a saved search by ID regardless of owner.
func (s *Store) GetSavedSearch(ctx context.Context, id string) (SavedSearch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+savedSearchColumns+` FROM saved_searches WHERE id = ?`, id)
	return scanSavedSearch(row)
}

// ListSavedSearches returns a user's saved searches, most recently used first.
func (s *Store) ListSavedSearches(ctx context.Context, userID string) ([]SavedSearch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+savedSearchColumns+` FROM saved_searches
		WHERE user_id = ?
		ORDER BY COALESCE(last_used_at, created_at) DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved searches: %w", err)
	}
	defer rows.Close()

	out := []SavedSearch{}
	for rows.Next() {
		ss, err := scanSavedSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// CountSavedSearches returns how many saved searches a user owns.
func (s *Store) CountSavedSearches(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saved_searches WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count saved searches: %w", err)
	}
	return n, nil
}

// SavedSearchNameExists reports whether the user already uses name.
func (s *Store) SavedSearchNameExists(ctx context.Context, userID, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saved_searches WHERE user_id = ? AND name = ?`, userID, name,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("check saved search name: %w", err)
	}
	return n > 0, nil
}

// DeleteSavedSearch removes a saved search owned by userID.
func (s *Store) DeleteSavedSearch(ctx context.Context, id, userID string) error {
	if err := s.execOne(ctx, `DELETE FROM saved_searches WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("delete saved search: %w", err)
	}
	return nil
}

func scanSavedSearch(sc rowScanner) (SavedSearch, error) {
	var ss SavedSearch
	var filters, created, updated string
	var lastUsed sql.NullString
	err := sc.Scan(&ss.ID, &ss.UserID, &ss.Name, &ss.Query, &filters, &ss.UsageCount, &lastUsed, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SavedSearch{}, ErrNotFound
		}
		return SavedSearch{}, fmt.Errorf("scan saved search: %w", err)
	}
	if err := unmarshalJSON(filters, &ss.Filters); err != nil {
		return SavedSearch{}, err
	}
	if ss.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return SavedSearch{}, err
	}
	if ss.CreatedAt, err = parseTime(created); err != nil {
		return SavedSearch{}, err
	}
	if ss.UpdatedAt, err = parseTime(updated); err != nil {
		return SavedSearch{}, err
	}
	return ss, nil
}

// AddSearchHistory appends an entry and evicts the oldest entries beyond
// keep, atomically.
func (s *Store) AddSearchHistory(ctx context.Context, e SearchHistoryEntry, keep int) error {
	filters, err := marshalJSON(e.Filters, "{}")
	if err != nil {
		return fmt.Errorf("add search history: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_history (id, user_id, query, filters, result_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.ID, e.UserID, e.Query, filters, e.ResultCount, formatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("add search history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM search_history
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM search_history WHERE user_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			)
		`, e.UserID, e.UserID, keep); err != nil {
			return fmt.Errorf("evict search history: %w", err)
		}
		return nil
	})
}

// ListSearchHistory returns a user's most recent searches, newest first.
func (s *Store) ListSearchHistory(ctx context.Context, userID string, limit int) ([]SearchHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, query, filters, result_count, created_at
		FROM search_history WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list search history: %w", err)
	}
	defer rows.Close()

	out := []SearchHistoryEntry{}
	for rows.Next() {
		var e SearchHistoryEntry
		var filters, created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Query, &filters, &e.ResultCount, &created); err != nil {
			return nil, fmt.Errorf("scan search history: %w", err)
		}
		if err := unmarshalJSON(filters, &e.Filters); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearSearchHistory deletes every entry for a user.
func (s *Store) ClearSearchHistory(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_history WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear search history: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSearchHistoryEntry removes one history entry owned by userID.
func (s *Store) DeleteSearchHistoryEntry(ctx context.Context, id, userID string) error {
	if err := s.execOne(ctx, `DELETE FROM search_history WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("delete search history entry: %w", err)
	}
	return nil
}

// SaveSavedQuery inserts or replaces a saved query.
func (s *Store) SaveSavedQuery(ctx context.Context, q SavedQuery) error {
	filters, err := marshalJSON(q.FieldFilters, "{}")
	if err != nil {
		return fmt.Errorf("save saved query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_queries
		(id, user_id, name, description, query, field_filters, execution_count, last_executed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			query = excluded.query,
			field_filters = excluded.field_filters,
			execution_count = excluded.execution_count,
			last_executed_at = excluded.last_executed_at,
			updated_at = excluded.updated_at
	`, q.ID, q.UserID, q.Name, q.Description, q.Query, filters, q.ExecutionCount,
		formatNullTime(q.LastExecutedAt), formatTime(q.CreatedAt), formatTime(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save saved query: %w", err)
	}
	return nil
}

const savedQueryColumns = `id, user_id, name, description, query, field_filters, execution_count, last_executed_at, created_at, updated_at`

// GetSavedQuery returns a saved query by ID.
func (s *Store) GetSavedQuery(ctx context.Context, id string) (SavedQuery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+savedQueryColumns+` FROM saved_queries WHERE id = ?`, id)
	return scanSavedQuery(row)
}

// ListSavedQueries returns a user's saved queries in creation order.
func (s *Store) ListSavedQueries(ctx context.Context, userID string) ([]SavedQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+savedQueryColumns+` FROM saved_queries
		WHERE user_id = ? ORDER BY id ASC COLLATE BINARY`, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved queries: %w", err)
	}
	defer rows.Close()

	out := []SavedQuery{}
	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteSavedQuery removes a saved query owned by userID.
func (s *Store) DeleteSavedQuery(ctx context.Context, id, userID string) error {
	if err := s.execOne(ctx, `DELETE FROM saved_queries WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("delete saved query: %w", err)
	}
	return nil
}

func scanSavedQuery(sc rowScanner) (SavedQuery, error) {
	var q SavedQuery
	var filters, created, updated string
	var lastExec sql.NullString
	err := sc.Scan(&q.ID, &q.UserID, &q.Name, &q.Description, &q.Query, &filters, &q.ExecutionCount,
		&lastExec, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SavedQuery{}, ErrNotFound
		}
		return SavedQuery{}, fmt.Errorf("scan saved query: %w", err)
	}
	if err := unmarshalJSON(filters, &q.FieldFilters); err != nil {
		return SavedQuery{}, err
	}
	if q.LastExecutedAt, err = parseNullTime(lastExec); err != nil {
		return SavedQuery{}, err
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return SavedQuery{}, err
	}
	if q.UpdatedAt, err = parseTime(updated); err != nil {
		return SavedQuery{}, err
	}
	return q, nil
}
