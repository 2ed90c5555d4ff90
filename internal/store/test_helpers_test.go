package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser inserts a role (if needed) and a user with that role.
func createTestUser(t *testing.T, s *Store, id, username, role string) User {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertRole(ctx, Role{ID: "role-" + role, Name: role, Permissions: []string{"search:read"}, CreatedAt: testNow}); err != nil {
		t.Fatalf("UpsertRole() failed: %v", err)
	}
	r, err := s.GetRoleByName(ctx, role)
	if err != nil {
		t.Fatalf("GetRoleByName() failed: %v", err)
	}

	u := User{
		ID:           id,
		Username:     username,
		Email:        fmt.Sprintf("%s@example.gov.uk", username),
		PasswordHash: "hash",
		RoleID:       r.ID,
		Status:       "active",
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return u
}
