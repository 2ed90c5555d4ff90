package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/paging"
	"github.com/roach88/caseguide/internal/store"
)

// AuditAction names what happened.
type AuditAction string

const (
	AuditCreate       AuditAction = "create"
	AuditUpdate       AuditAction = "update"
	AuditDelete       AuditAction = "delete"
	AuditLogin        AuditAction = "login"
	AuditLogout       AuditAction = "logout"
	AuditConfigChange AuditAction = "config_change"
	AuditRoleChange   AuditAction = "role_change"
)

// AuditActions lists every action.
var AuditActions = []AuditAction{
	AuditCreate, AuditUpdate, AuditDelete, AuditLogin, AuditLogout, AuditConfigChange, AuditRoleChange,
}

// ResourceType names what it happened to.
type ResourceType string

const (
	ResourceUser     ResourceType = "user"
	ResourceRole     ResourceType = "role"
	ResourceTemplate ResourceType = "template"
	ResourceWorkflow ResourceType = "workflow"
	ResourceConfig   ResourceType = "config"
	ResourceSession  ResourceType = "session"
)

// ResourceTypes lists every resource type.
var ResourceTypes = []ResourceType{
	ResourceUser, ResourceRole, ResourceTemplate, ResourceWorkflow, ResourceConfig, ResourceSession,
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID    string
	Username  string
	Role      string
	IPAddress string
	UserAgent string
}

// Can reports whether the actor's role grants p.
func (a Actor) Can(p Permission) bool {
	return HasPermission(a.Role, p)
}

// Require returns a forbidden error unless the actor holds p.
func (a Actor) Require(p Permission) error {
	if !a.Can(p) {
		return apperr.New(apperr.CodeForbidden, "permission %s required", p)
	}
	return nil
}

// Entry is one audit event to record.
type Entry struct {
	Action       AuditAction
	ResourceType ResourceType
	ResourceID   string
	OldValue     any
	NewValue     any
}

// AuditQuery filters ListAudit.
type AuditQuery struct {
	UserID       string
	Action       string
	ResourceType string
	Since        time.Time
	Until        time.Time
	paging.Params
}

// Auditor writes and reads the audit trail.
type Auditor struct {
	store  *store.Store
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewAuditor creates an auditor. Nil generator, clock and logger fall back
// to defaults.
func NewAuditor(st *store.Store, gen ids.Generator, clk clock.Clock, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: st, ids: ids.OrDefault(gen), clock: clock.OrSystem(clk), logger: logger}
}

// ValidateIP checks an optional IP address.
func ValidateIP(ip string) error {
	if ip == "" {
		return nil
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return apperr.Invalid("ip_address", "invalid IP address %q", ip)
	}
	return nil
}

// Record appends an audit event attributed to actor.
func (a *Auditor) Record(ctx context.Context, actor Actor, e Entry) error {
	var c apperr.Collector
	c.Check(slices.Contains(AuditActions, e.Action), "action", "unknown audit action %q", e.Action)
	c.Check(slices.Contains(ResourceTypes, e.ResourceType), "resource_type", "unknown resource type %q", e.ResourceType)
	if err := c.Err(); err != nil {
		return err
	}
	if err := ValidateIP(actor.IPAddress); err != nil {
		return err
	}

	oldVal, err := rawJSON(e.OldValue)
	if err != nil {
		return fmt.Errorf("audit old value: %w", err)
	}
	newVal, err := rawJSON(e.NewValue)
	if err != nil {
		return fmt.Errorf("audit new value: %w", err)
	}

	log := store.AuditLog{
		ID:           a.ids.New(),
		UserID:       actor.UserID,
		Action:       string(e.Action),
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		OldValue:     oldVal,
		NewValue:     newVal,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		CreatedAt:    a.clock.Now(),
	}
	if err := a.store.WriteAuditLog(ctx, log); err != nil {
		return err
	}
	a.logger.Debug("audit recorded",
		"action", log.Action,
		"resource_type", log.ResourceType,
		"resource_id", log.ResourceID,
		"user_id", log.UserID)
	return nil
}

// List returns a page of audit records, newest first.
func (a *Auditor) List(ctx context.Context, q AuditQuery) (paging.Result[store.AuditLog], error) {
	p, err := q.Params.Normalize(50, 100)
	if err != nil {
		return paging.Result[store.AuditLog]{}, err
	}
	var c apperr.Collector
	if q.Action != "" {
		c.Check(slices.Contains(AuditActions, AuditAction(q.Action)), "action", "unknown audit action %q", q.Action)
	}
	if q.ResourceType != "" {
		c.Check(slices.Contains(ResourceTypes, ResourceType(q.ResourceType)), "resource_type", "unknown resource type %q", q.ResourceType)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() {
		c.Check(!q.Until.Before(q.Since), "until", "must not be before since")
	}
	if err := c.Err(); err != nil {
		return paging.Result[store.AuditLog]{}, err
	}

	logs, total, err := a.store.ListAuditLogs(ctx, store.AuditFilter{
		UserID:       q.UserID,
		Action:       q.Action,
		ResourceType: q.ResourceType,
		Since:        q.Since,
		Until:        q.Until,
		Limit:        p.Limit,
		Offset:       p.Offset(),
	})
	if err != nil {
		return paging.Result[store.AuditLog]{}, err
	}
	return paging.NewResult(logs, total, p), nil
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
