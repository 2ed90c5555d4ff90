package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/caseguide/internal/store"
)

// NewStore opens a fresh database in a temp directory and closes it when
// the test ends.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "caseguide.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
