package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditLog is an append-only record of an administrative action.
type AuditLog struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	OldValue     json.RawMessage `json:"old_value,omitempty"`
	NewValue     json.RawMessage `json:"new_value,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditFilter narrows ListAuditLogs. Zero fields are ignored.
type AuditFilter struct {
	UserID       string
	Action       string
	ResourceType string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// WriteAuditLog appends an audit record.
func (s *Store) WriteAuditLog(ctx context.Context, a AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs
		(id, user_id, action, resource_type, resource_id, old_value, new_value, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, nullString(a.UserID), a.Action, a.ResourceType, a.ResourceID,
		nullRaw(a.OldValue), nullRaw(a.NewValue), a.IPAddress, a.UserAgent, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns matching records newest first, plus the total count.
func (s *Store) ListAuditLogs(ctx context.Context, f AuditFilter) ([]AuditLog, int, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(f.Until))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, old_value, new_value, ip_address, user_agent, created_at
		FROM audit_logs`+whereSQL+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		var a AuditLog
		var userID, oldVal, newVal sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &userID, &a.Action, &a.ResourceType, &a.ResourceID,
			&oldVal, &newVal, &a.IPAddress, &a.UserAgent, &created); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		a.UserID = userID.String
		if oldVal.Valid {
			a.OldValue = json.RawMessage(oldVal.String)
		}
		if newVal.Valid {
			a.NewValue = json.RawMessage(newVal.String)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, 0, err
		}
		logs = append(logs, a)
	}
	return logs, total, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(m json.RawMessage) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(m), Valid: true}
}
