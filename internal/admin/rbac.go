// Package admin implements user management, role-based access control,
// session login and the audit trail.
package admin

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/caseguide/internal/clock"
	"github.com/roach88/caseguide/internal/ids"
	"github.com/roach88/caseguide/internal/store"
)

// Category is the resource half of a permission.
type Category string

const (
	CategoryUsers     Category = "users"
	CategoryConfig    Category = "config"
	CategoryAudit     Category = "audit"
	CategoryTemplates Category = "templates"
	CategoryWorkflows Category = "workflows"
	CategoryAnalytics Category = "analytics"
	CategorySearch    Category = "search"
	CategoryA11y      Category = "a11y"
)

// Categories lists every permission category.
var Categories = []Category{
	CategoryUsers, CategoryConfig, CategoryAudit, CategoryTemplates,
	CategoryWorkflows, CategoryAnalytics, CategorySearch, CategoryA11y,
}

// Action is the verb half of a permission.
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionDelete    Action = "delete"
	ActionExecute   Action = "execute"
	ActionConfigure Action = "configure"
	ActionAudit     Action = "audit"
)

// Actions lists every permission action.
var Actions = []Action{ActionRead, ActionWrite, ActionDelete, ActionExecute, ActionConfigure, ActionAudit}

// Permission is a "category:action" pair.
type Permission string

// Perm builds a permission.
func Perm(c Category, a Action) Permission {
	return Permission(string(c) + ":" + string(a))
}

// ParsePermission checks that s names a known category and action.
func ParsePermission(s string) (Permission, error) {
	c, a, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("permission %q: want category:action", s)
	}
	if !slices.Contains(Categories, Category(c)) {
		return "", fmt.Errorf("permission %q: unknown category %q", s, c)
	}
	if !slices.Contains(Actions, Action(a)) {
		return "", fmt.Errorf("permission %q: unknown action %q", s, a)
	}
	return Permission(s), nil
}

// Role names, lowest privilege first.
const (
	RoleViewer     = "viewer"
	RoleOperator   = "operator"
	RoleCaseworker = "caseworker"
	RoleAdmin      = "admin"
)

// Roles lists the built-in roles in ascending privilege.
var Roles = []string{RoleViewer, RoleOperator, RoleCaseworker, RoleAdmin}

var roleDescriptions = map[string]string{
	RoleViewer:     "Read-only access to guidance, search and accessibility tools",
	RoleOperator:   "Runs searches and workflows",
	RoleCaseworker: "Authors templates and workflows",
	RoleAdmin:      "Full access including users, configuration and audit",
}

// Each role adds to the grants of the role below it.
var roleGrants = map[string][]Permission{
	RoleViewer: {
		Perm(CategorySearch, ActionRead),
		Perm(CategoryTemplates, ActionRead),
		Perm(CategoryWorkflows, ActionRead),
		Perm(CategoryAnalytics, ActionRead),
		Perm(CategoryA11y, ActionRead),
	},
	RoleOperator: {
		Perm(CategorySearch, ActionWrite),
		Perm(CategorySearch, ActionDelete),
		Perm(CategorySearch, ActionExecute),
		Perm(CategoryTemplates, ActionExecute),
		Perm(CategoryWorkflows, ActionExecute),
		Perm(CategoryA11y, ActionExecute),
	},
	RoleCaseworker: {
		Perm(CategoryTemplates, ActionWrite),
		Perm(CategoryTemplates, ActionDelete),
		Perm(CategoryWorkflows, ActionWrite),
		Perm(CategoryWorkflows, ActionDelete),
		Perm(CategoryAnalytics, ActionWrite),
		Perm(CategoryAnalytics, ActionExecute),
	},
}

// rolePermissions is the flattened, sorted permission set per role.
var rolePermissions = buildRolePermissions()

func buildRolePermissions() map[string][]Permission {
	out := make(map[string][]Permission, len(Roles))
	var acc []Permission
	for _, role := range Roles {
		if role == RoleAdmin {
			acc = acc[:0]
			for _, c := range Categories {
				for _, a := range Actions {
					acc = append(acc, Perm(c, a))
				}
			}
		} else {
			acc = append(acc, roleGrants[role]...)
		}
		perms := slices.Clone(acc)
		slices.Sort(perms)
		out[role] = slices.Compact(perms)
	}
	return out
}

// ValidRole reports whether name is a built-in role.
func ValidRole(name string) bool {
	return slices.Contains(Roles, name)
}

// RoleRank orders roles by privilege; unknown roles rank -1.
func RoleRank(name string) int {
	return slices.Index(Roles, name)
}

// Permissions returns the sorted permissions of a role.
func Permissions(role string) []Permission {
	return slices.Clone(rolePermissions[role])
}

// HasPermission reports whether role grants p.
func HasPermission(role string, p Permission) bool {
	_, ok := slices.BinarySearch(rolePermissions[role], p)
	return ok
}

// SeedRoles upserts the built-in roles and their permission sets.
func SeedRoles(ctx context.Context, st *store.Store, gen ids.Generator, clk clock.Clock) error {
	gen = ids.OrDefault(gen)
	now := clock.OrSystem(clk).Now()
	for _, name := range Roles {
		perms := rolePermissions[name]
		strs := make([]string, len(perms))
		for i, p := range perms {
			strs[i] = string(p)
		}
		if err := st.UpsertRole(ctx, store.Role{
			ID:          gen.New(),
			Name:        name,
			Description: roleDescriptions[name],
			Permissions: strs,
			CreatedAt:   now,
		}); err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}
