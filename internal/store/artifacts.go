package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Artifact is an uploaded file with its extracted text.
type Artifact struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	StoredPath    string    `json:"-"`
	Extension     string    `json:"extension"`
	SizeBytes     int64     `json:"size_bytes"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	Preview       string    `json:"preview"`
	UploadedBy    string    `json:"uploaded_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// CreateArtifact records an uploaded artifact.
func (s *Store) CreateArtifact(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, filename, stored_path, extension, size_bytes, extracted_text, preview, uploaded_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Filename, a.StoredPath, a.Extension, a.SizeBytes, a.ExtractedText, a.Preview, a.UploadedBy,
		formatTime(a.CreatedAt), formatTime(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, filename, stored_path, extension, size_bytes, extracted_text, preview, uploaded_by, created_at, expires_at`

// GetArtifact returns an artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row)
}

// ListExpiredArtifacts returns artifacts whose expiry is before now.
func (s *Store) ListExpiredArtifacts(ctx context.Context, now time.Time) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE expires_at < ? ORDER BY id ASC COLLATE BINARY`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an artifact record.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	if err := s.execOne(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func scanArtifact(sc rowScanner) (Artifact, error) {
	var a Artifact
	var created, expires string
	err := sc.Scan(&a.ID, &a.Filename, &a.StoredPath, &a.Extension, &a.SizeBytes, &a.ExtractedText,
		&a.Preview, &a.UploadedBy, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return Artifact{}, err
	}
	if a.ExpiresAt, err = parseTime(expires); err != nil {
		return Artifact{}, err
	}
	return a, nil
}
