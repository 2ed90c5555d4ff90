package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheKey identifies a cached translation. A change to the source text,
// the prompt or the model produces a different key.
type CacheKey struct {
	DocumentID   string `json:"document_id"`
	SourceHash   string `json:"source_hash"`
	ReadingLevel string `json:"reading_level"`
	PromptHash   string `json:"prompt_hash"`
	Model        string `json:"model"`
}

// CachedTranslation is a stored LLM output.
type CachedTranslation struct {
	ID        string    `json:"id"`
	Key       CacheKey  `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetTranslation returns the cached translation for key.
func (s *Store) GetTranslation(ctx context.Context, key CacheKey) (CachedTranslation, error) {
	var c CachedTranslation
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, created_at FROM translation_cache
		WHERE document_id = ? AND source_hash = ? AND reading_level = ? AND prompt_hash = ? AND model = ?
	`, key.DocumentID, key.SourceHash, key.ReadingLevel, key.PromptHash, key.Model).Scan(&c.ID, &c.Content, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedTranslation{}, ErrNotFound
		}
		return CachedTranslation{}, fmt.Errorf("get translation: %w", err)
	}
	c.Key = key
	if c.CreatedAt, err = parseTime(created); err != nil {
		return CachedTranslation{}, err
	}
	return c, nil
}

// PutTranslation stores a translation, replacing any entry with the same key.
func (s *Store) PutTranslation(ctx context.Context, c CachedTranslation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_cache (id, document_id, source_hash, reading_level, prompt_hash, model, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, source_hash, reading_level, prompt_hash, model)
		DO UPDATE SET content = excluded.content, created_at = excluded.created_at
	`, c.ID, c.Key.DocumentID, c.Key.SourceHash, c.Key.ReadingLevel, c.Key.PromptHash, c.Key.Model,
		c.Content, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("put translation: %w", err)
	}
	return nil
}
