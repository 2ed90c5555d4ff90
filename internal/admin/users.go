package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
)

// DefaultSessionTTL is how long a login stays valid.
const DefaultSessionTTL = 8 * time.Hour

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

// User statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// CreateUserRequest is the input to CreateUser.
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// UpdateUserRequest is a partial update; nil fields are unchanged.
type UpdateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	Status   *string `json:"status,omitempty"`
	Password *string `json:"password,omitempty"`
}

// UserQuery filters ListUsers.
type UserQuery struct {
	Role   string
	Status string
	Search string
	paging.Params
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      store.User `json:"user"`
}

// Service manages users and sessions.
type Service struct {
	store      *store.Store
	audit      *Auditor
	ids        ids.Generator
	clock      clock.Clock
	logger     *slog.Logger
	sessionTTL time.Duration
	bcryptCost int
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the ID generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService creates a user service.
func NewService(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		logger:     slog.Default(),
		sessionTTL: DefaultSessionTTL,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = ids.OrDefault(s.ids)
	s.clock = clock.OrSystem(s.clock)
	s.audit = NewAuditor(st, s.ids, s.clock, s.logger)
	return s
}

// Auditor returns the audit trail writer shared with other services.
func (s *Service) Auditor() *Auditor {
	return s.audit
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// CreateUser validates and stores a new user. The role defaults to viewer.
func (s *Service) CreateUser(ctx context.Context, actor Actor, req CreateUserRequest) (store.User, error) {
	if err := actor.Require(Perm(CategoryUsers, ActionWrite)); err != nil {
		return store.User{}, err
	}
	return s.createUser(ctx, actor, req)
}

// Bootstrap creates a user without a permission check. It is used by the
// CLI to create the first administrator.
func (s *Service) Bootstrap(ctx context.Context, req CreateUserRequest) (store.User, error) {
	return s.createUser(ctx, Actor{Username: "system"}, req)
}

func (s *Service) createUser(ctx context.Context, actor Actor, req CreateUserRequest) (store.User, error) {
	if req.Role == "" {
		req.Role = RoleViewer
	}
	var c apperr.Collector
	c.Check(usernamePattern.MatchString(req.Username), "username", "must be 3-50 characters of letters, digits, _ or -")
	c.Check(validEmail(req.Email), "email", "must be a valid email address")
	c.Check(len(req.Password) >= minPasswordLength, "password", "must be at least %d characters", minPasswordLength)
	c.Check(ValidRole(req.Role), "role", "unknown role %q", req.Role)
	if err := c.Err(); err != nil {
		return store.User{}, err
	}

	role, err := s.store.GetRoleByName(ctx, req.Role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, apperr.New(apperr.CodeValidation, "role %q has not been seeded", req.Role)
		}
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return store.User{}, err
	}

	now := s.clock.Now()
	u := store.User{
		ID:           s.ids.New(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		RoleID:       role.ID,
		RoleName:     role.Name,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, apperr.Wrap(apperr.CodeConflict, err, "username or email already exists")
		}
		return store.User{}, err
	}

	if err := s.audit.Record(ctx, actor, Entry{
		Action:       AuditCreate,
		ResourceType: ResourceUser,
		ResourceID:   u.ID,
		NewValue:     u,
	}); err != nil {
		return store.User{}, err
	}
	s.logger.Info("user created", "user_id", u.ID, "username", u.Username, "role", u.RoleName)
	return u, nil
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, actor Actor, id string) (store.User, error) {
	if actor.UserID != id {
		if err := actor.Require(Perm(CategoryUsers, ActionRead)); err != nil {
			return store.User{}, err
		}
	}
	return s.getUser(ctx, id)
}

func (s *Service) getUser(ctx context.Context, id string) (store.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, apperr.NotFound("user", id)
	}
	return u, err
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(ctx context.Context, actor Actor, q UserQuery) (paging.Result[store.User], error) {
	if err := actor.Require(Perm(CategoryUsers, ActionRead)); err != nil {
		return paging.Result[store.User]{}, err
	}
	p, err := q.Params.Normalize(20, 100)
	if err != nil {
		return paging.Result[store.User]{}, err
	}
	users, total, err := s.store.ListUsers(ctx, store.UserFilter{
		Role:   q.Role,
		Status: q.Status,
		Search: q.Search,
		Limit:  p.Limit,
		Offset: p.Offset(),
	})
	if err != nil {
		return paging.Result[store.User]{}, err
	}
	return paging.NewResult(users, total, p), nil
}

// UpdateUser applies a partial update.
func (s *Service) UpdateUser(ctx context.Context, actor Actor, id string, req UpdateUserRequest) (store.User, error) {
	if err := actor.Require(Perm(CategoryUsers, ActionWrite)); err != nil {
		return store.User{}, err
	}
	u, err := s.getUser(ctx, id)
	if err != nil {
		return store.User{}, err
	}
	old := u

	var c apperr.Collector
	if req.Email != nil {
		c.Check(validEmail(*req.Email), "email", "must be a valid email address")
	}
	if req.Status != nil {
		c.Check(*req.Status == StatusActive || *req.Status == StatusInactive, "status", "must be active or inactive")
	}
	if req.Password != nil {
		c.Check(len(*req.Password) >= minPasswordLength, "password", "must be at least %d characters", minPasswordLength)
	}
	if err := c.Err(); err != nil {
		return store.User{}, err
	}

	if req.Email != nil {
		u.Email = *req.Email
	}
	if req.Status != nil {
		u.Status = *req.Status
	}
	if req.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), s.bcryptCost)
		if err != nil {
			return store.User{}, err
		}
		u.PasswordHash = string(hash)
	}
	u.UpdatedAt = s.clock.Now()

	if err := s.store.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, apperr.Wrap(apperr.CodeConflict, err, "email already exists")
		}
		return store.User{}, err
	}
	if err := s.audit.Record(ctx, actor, Entry{
		Action: AuditUpdate, ResourceType: ResourceUser, ResourceID: id, OldValue: old, NewValue: u,
	}); err != nil {
		return store.User{}, err
	}
	return u, nil
}

// ChangeRole assigns a new role to a user.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, id, role string) (store.User, error) {
	if err := actor.Require(Perm(CategoryUsers, ActionConfigure)); err != nil {
		return store.User{}, err
	}
	if !ValidRole(role) {
		return store.User{}, apperr.Invalid("role", "unknown role %q", role)
	}
	if actor.UserID == id && RoleRank(role) < RoleRank(actor.Role) {
		return store.User{}, apperr.New(apperr.CodeForbidden, "cannot lower your own role")
	}
	u, err := s.getUser(ctx, id)
	if err != nil {
		return store.User{}, err
	}
	r, err := s.store.GetRoleByName(ctx, role)
	if err != nil {
		return store.User{}, err
	}

	oldRole := u.RoleName
	u.RoleID = r.ID
	u.RoleName = r.Name
	u.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return store.User{}, err
	}
	if err := s.audit.Record(ctx, actor, Entry{
		Action:       AuditRoleChange,
		ResourceType: ResourceUser,
		ResourceID:   id,
		OldValue:     map[string]string{"role": oldRole},
		NewValue:     map[string]string{"role": role},
	}); err != nil {
		return store.User{}, err
	}
	s.logger.Info("user role changed", "user_id", id, "from", oldRole, "to", role)
	return u, nil
}

// DeleteUser removes a user. An admin cannot delete their own account.
func (s *Service) DeleteUser(ctx context.Context, actor Actor, id string) error {
	if err := actor.Require(Perm(CategoryUsers, ActionDelete)); err != nil {
		return err
	}
	if actor.UserID == id {
		return apperr.New(apperr.CodeForbidden, "cannot delete your own account")
	}
	u, err := s.getUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	return s.audit.Record(ctx, actor, Entry{
		Action: AuditDelete, ResourceType: ResourceUser, ResourceID: id, OldValue: u,
	})
}

// Login checks credentials and opens a session. IP address and user agent
// come from meta.
func (s *Service) Login(ctx context.Context, username, password string, meta Actor) (LoginResult, error) {
	invalid := apperr.New(apperr.CodeUnauthorized, "invalid username or password")

	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, invalid
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("login failed", "username", username, "ip", meta.IPAddress)
		return LoginResult{}, invalid
	}
	if u.Status != StatusActive {
		return LoginResult{}, apperr.New(apperr.CodeForbidden, "account is inactive")
	}
	if err := ValidateIP(meta.IPAddress); err != nil {
		return LoginResult{}, err
	}

	now := s.clock.Now()
	sess := store.Session{
		Token:     s.ids.New(),
		UserID:    u.ID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return LoginResult{}, err
	}
	if err := s.store.TouchLogin(ctx, u.ID, now); err != nil {
		return LoginResult{}, err
	}
	u.LastLoginAt = &now

	actor := meta
	actor.UserID, actor.Username, actor.Role = u.ID, u.Username, u.RoleName
	if err := s.audit.Record(ctx, actor, Entry{
		Action: AuditLogin, ResourceType: ResourceSession, ResourceID: u.ID,
	}); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: u}, nil
}

// Logout ends the session identified by token.
func (s *Service) Logout(ctx context.Context, actor Actor, token string) error {
	if err := s.store.DeleteSession(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeUnauthorized, "session not found")
		}
		return err
	}
	return s.audit.Record(ctx, actor, Entry{
		Action: AuditLogout, ResourceType: ResourceSession, ResourceID: actor.UserID,
	})
}

// Authenticate resolves a session token to its actor.
func (s *Service) Authenticate(ctx context.Context, token string) (Actor, error) {
	unauthorized := apperr.New(apperr.CodeUnauthorized, "invalid or expired session")
	if token == "" {
		return Actor{}, unauthorized
	}
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Actor{}, unauthorized
		}
		return Actor{}, err
	}
	if !s.clock.Now().Before(sess.ExpiresAt) {
		return Actor{}, unauthorized
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Actor{}, unauthorized
		}
		return Actor{}, err
	}
	if u.Status != StatusActive {
		return Actor{}, unauthorized
	}
	return Actor{UserID: u.ID, Username: u.Username, Role: u.RoleName}, nil
}

// PurgeSessions deletes expired sessions.
func (s *Service) PurgeSessions(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredSessions(ctx, s.clock.Now())
}
