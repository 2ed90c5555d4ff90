package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/caseguide/internal/queryir"
	"github.com/roach88/caseguide/internal/querysql"
)

// Document is a scraped or ingested guidance page.
type Document struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	ContentHash string         `json:"content_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SaveDocument inserts a document or replaces the one with the same URL.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	meta, err := marshalJSON(d.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, url, title, content, metadata, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash
	`, d.ID, d.URL, d.Title, d.Content, meta, d.ContentHash, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var d Document
	var meta, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, title, content, metadata, content_hash, created_at FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.URL, &d.Title, &d.Content, &meta, &d.ContentHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if err := unmarshalJSON(meta, &d.Metadata); err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return Document{}, err
	}
	return d, nil
}

// DocumentHashExists reports whether any document has the content hash.
func (s *Store) DocumentHashExists(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE content_hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("check document hash: %w", err)
	}
	return n > 0, nil
}

// SearchDocuments runs a compiled search over documents and returns the
// requested page plus the total number of matches.
func (s *Store) SearchDocuments(ctx context.Context, q queryir.Select) ([]Document, int, error) {
	q.From = "documents"
	compiler := querysql.NewSQLCompiler()

	countSQL, countParams, err := compiler.CompileCount(q)
	if err != nil {
		return nil, 0, fmt.Errorf("search documents: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countParams...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query, params, err := compiler.Compile(q)
	if err != nil {
		return nil, 0, fmt.Errorf("search documents: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		var meta, created string
		if err := rows.Scan(&d.ID, &d.URL, &d.Title, &d.Content, &meta, &created); err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		if err := unmarshalJSON(meta, &d.Metadata); err != nil {
			return nil, 0, err
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, 0, err
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}
