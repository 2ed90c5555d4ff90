package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is a named permission set.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is an account that can sign in.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	RoleID       string     `json:"role_id"`
	RoleName     string     `json:"role"`
	Status       string     `json:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Session is an opaque bearer token bound to a user.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Role   string
	Status string
	Search string // matches username or email
	Limit  int
	Offset int
}

// UpsertRole inserts a role or replaces its description and permissions.
func (s *Store) UpsertRole(ctx context.Context, r Role) error {
	perms, err := marshalJSON(r.Permissions, "[]")
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (id, name, description, permissions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			permissions = excluded.permissions
	`, r.ID, r.Name, r.Description, perms, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

// GetRoleByName returns the role with the given name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, permissions, created_at
		FROM roles WHERE name = ?
	`, name)
	return scanRole(row)
}

// ListRoles returns every role ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, permissions, created_at
		FROM roles ORDER BY name ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func scanRole(sc rowScanner) (Role, error) {
	var r Role
	var perms, created string
	if err := sc.Scan(&r.ID, &r.Name, &r.Description, &perms, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("scan role: %w", err)
	}
	if err := unmarshalJSON(perms, &r.Permissions); err != nil {
		return Role{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return Role{}, err
	}
	return r, nil
}

const userColumns = `
	u.id, u.username, u.email, u.password_hash, u.role_id, r.name,
	u.status, u.last_login_at, u.created_at, u.updated_at
`

// CreateUser inserts a user. Returns ErrConflict on duplicate username or email.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role_id, status, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.RoleID, u.Status,
		formatNullTime(u.LastLoginAt), formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user: %w", ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`
		FROM users u JOIN roles r ON r.id = u.role_id
		WHERE u.id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+`
		FROM users u JOIN roles r ON r.id = u.role_id
		WHERE u.username = ?`, username)
	return scanUser(row)
}

// ListUsers returns users matching f and the total count before paging.
func (s *Store) ListUsers(ctx context.Context, f UserFilter) ([]User, int, error) {
	var where []string
	var args []any
	if f.Role != "" {
		where = append(where, "r.name = ?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		where = append(where, "u.status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, "(u.username LIKE ? OR u.email LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users u JOIN roles r ON r.id = u.role_id`+whereSQL, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+`
		FROM users u JOIN roles r ON r.id = u.role_id`+whereSQL+`
		ORDER BY u.id ASC COLLATE BINARY LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// UpdateUser writes email, role, status and password hash.
func (s *Store) UpdateUser(ctx context.Context, u User) error {
	err := s.execOne(ctx, `
		UPDATE users SET email = ?, role_id = ?, status = ?, password_hash = ?, updated_at = ?
		WHERE id = ?
	`, u.Email, u.RoleID, u.Status, u.PasswordHash, formatTime(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// TouchLogin sets last_login_at.
func (s *Store) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	if err := s.execOne(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, formatTime(at), userID); err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}

// DeleteUser removes a user and, by cascade, their sessions.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := s.execOne(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// CountUsers returns the number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func scanUser(sc rowScanner) (User, error) {
	var u User
	var lastLogin sql.NullString
	var created, updated string
	err := sc.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.RoleID, &u.RoleName,
		&u.Status, &lastLogin, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if u.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return User{}, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateSession stores a session token.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, ip_address, user_agent, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.Token, sess.UserID, sess.IPAddress, sess.UserAgent,
		formatTime(sess.CreatedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by token, expired or not.
func (s *Store) GetSession(ctx context.Context, token string) (Session, error) {
	var sess Session
	var created, expires string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, ip_address, user_agent, created_at, expires_at
		FROM sessions WHERE token = ?
	`, token).Scan(&sess.Token, &sess.UserID, &sess.IPAddress, &sess.UserAgent, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return Session{}, err
	}
	if sess.ExpiresAt, err = parseTime(expires); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// DeleteSession removes a session token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := s.execOne(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
