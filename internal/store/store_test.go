package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
	require.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestOpen_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("DROP INDEX idx_translation_cache_key")
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_translation_cache_key'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegexpFunction(t *testing.T) {
	s := createTestStore(t)

	var match bool
	require.NoError(t, s.db.QueryRow(`SELECT 'Skilled Worker visa' REGEXP '^Skilled\s+Worker'`).Scan(&match))
	assert.True(t, match)

	require.NoError(t, s.db.QueryRow(`SELECT 'Student visa' REGEXP '^Skilled'`).Scan(&match))
	assert.False(t, match)

	err := s.db.QueryRow(`SELECT 'x' REGEXP '('`).Scan(&match)
	assert.Error(t, err)
}

func TestSqlRegexp_CachesCompiledPatterns(t *testing.T) {
	ok, err := sqlRegexp("^a+$", "aaa")
	require.NoError(t, err)
	assert.True(t, ok)

	regexCacheMu.Lock()
	_, cached := regexCache["^a+$"]
	regexCacheMu.Unlock()
	assert.True(t, cached)
}
