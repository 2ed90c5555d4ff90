package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Template is a guidance document template. ContentStructure holds the
// header/body/footer sections; values may be nested maps, lists or strings
// containing {{placeholder}} markers.
type Template struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	ContentStructure map[string]any `json:"content_structure"`
	Placeholders     []string       `json:"placeholders"`
	PermissionLevel  string         `json:"permission_level"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Version          int            `json:"version"`
}

// TemplateVersion is an immutable snapshot of a template's content.
type TemplateVersion struct {
	ID                string         `json:"id"`
	TemplateID        string         `json:"template_id"`
	Version           int            `json:"version"`
	ContentStructure  map[string]any `json:"content_structure"`
	Placeholders      []string       `json:"placeholders"`
	ChangeDescription string         `json:"change_description"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	CreatedBy       string
	PermissionLevel string
	Search          string // matches name or description
	Limit           int
	Offset          int
}

// CreateTemplate inserts a template together with its first version.
func (s *Store) CreateTemplate(ctx context.Context, t Template, v TemplateVersion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		content, err := marshalJSON(t.ContentStructure, "{}")
		if err != nil {
			return err
		}
		placeholders, err := marshalJSON(t.Placeholders, "[]")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO templates
			(id, name, description, content_structure, placeholders, permission_level, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.Name, t.Description, content, placeholders, t.PermissionLevel, t.CreatedBy,
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create template: %w", err)
		}
		return insertTemplateVersion(ctx, tx, v)
	})
}

// UpdateTemplate writes the template row and, when v is non-nil, appends
// a version in the same transaction.
func (s *Store) UpdateTemplate(ctx context.Context, t Template, v *TemplateVersion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		content, err := marshalJSON(t.ContentStructure, "{}")
		if err != nil {
			return err
		}
		placeholders, err := marshalJSON(t.Placeholders, "[]")
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE templates SET name = ?, description = ?, content_structure = ?, placeholders = ?,
				permission_level = ?, updated_at = ?
			WHERE id = ?
		`, t.Name, t.Description, content, placeholders, t.PermissionLevel, formatTime(t.UpdatedAt), t.ID)
		if err != nil {
			return fmt.Errorf("update template: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if v == nil {
			return nil
		}
		return insertTemplateVersion(ctx, tx, *v)
	})
}

func insertTemplateVersion(ctx context.Context, tx *sql.Tx, v TemplateVersion) error {
	content, err := marshalJSON(v.ContentStructure, "{}")
	if err != nil {
		return err
	}
	placeholders, err := marshalJSON(v.Placeholders, "[]")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO template_versions
		(id, template_id, version, content_structure, placeholders, change_description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.TemplateID, v.Version, content, placeholders, v.ChangeDescription, v.CreatedBy, formatTime(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert template version: %w", ErrConflict)
		}
		return fmt.Errorf("insert template version: %w", err)
	}
	return nil
}

const templateColumns = `
	t.id, t.name, t.description, t.content_structure, t.placeholders, t.permission_level,
	t.created_by, t.created_at, t.updated_at,
	COALESCE((SELECT MAX(version) FROM template_versions v WHERE v.template_id = t.id), 0)
`

// GetTemplate returns a template with its latest version number.
func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates t WHERE t.id = ?`, id)
	return scanTemplate(row)
}

// ListTemplates returns templates matching f and the total count.
func (s *Store) ListTemplates(ctx context.Context, f TemplateFilter) ([]Template, int, error) {
	where := ` WHERE (? = '' OR t.created_by = ?) AND (? = '' OR t.permission_level = ?)
		AND (? = '' OR t.name LIKE ? OR t.description LIKE ?)`
	pattern := "%" + f.Search + "%"
	args := []any{f.CreatedBy, f.CreatedBy, f.PermissionLevel, f.PermissionLevel, f.Search, pattern, pattern}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates t`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count templates: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates t`+where+`
		ORDER BY t.id ASC COLLATE BINARY LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	out := []Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// DeleteTemplate removes a template and its versions.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.execOne(ctx, `DELETE FROM templates WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// ListTemplateVersions returns versions newest first.
func (s *Store) ListTemplateVersions(ctx context.Context, templateID string) ([]TemplateVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, version, content_structure, placeholders, change_description, created_by, created_at
		FROM template_versions WHERE template_id = ?
		ORDER BY version DESC
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template versions: %w", err)
	}
	defer rows.Close()

	out := []TemplateVersion{}
	for rows.Next() {
		var v TemplateVersion
		var content, placeholders, created string
		if err := rows.Scan(&v.ID, &v.TemplateID, &v.Version, &content, &placeholders,
			&v.ChangeDescription, &v.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("scan template version: %w", err)
		}
		if err := unmarshalJSON(content, &v.ContentStructure); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(placeholders, &v.Placeholders); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanTemplate(sc rowScanner) (Template, error) {
	var t Template
	var content, placeholders, created, updated string
	err := sc.Scan(&t.ID, &t.Name, &t.Description, &content, &placeholders, &t.PermissionLevel,
		&t.CreatedBy, &created, &updated, &t.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("scan template: %w", err)
	}
	if err := unmarshalJSON(content, &t.ContentStructure); err != nil {
		return Template{}, err
	}
	if err := unmarshalJSON(placeholders, &t.Placeholders); err != nil {
		return Template{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return Template{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return Template{}, err
	}
	return t, nil
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
