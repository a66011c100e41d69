// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, setting upserts, and last-URL persistence across reopen

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSettings_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.GetSetting(ctx, "theme")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutSetting(ctx, "theme", "dark"))
	require.NoError(t, s.PutSetting(ctx, "theme", "light"))

	got, err := s.GetSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", got.Value)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.DeleteSetting(ctx, "theme"))
	require.NoError(t, s.DeleteSetting(ctx, "theme"))
	_, err = s.GetSetting(ctx, "theme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastURL_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "editor.db")
	ctx := t.Context()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	_, err = s.LastURL(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveLastURL(ctx, "https://site.example/wp-admin/post.php?post=1"))
	require.NoError(t, s.SaveLastURL(ctx, "https://site.example/wp-admin/post.php?post=2"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	url, err := reopened.LastURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/wp-admin/post.php?post=2", url)

	setting, err := reopened.GetSetting(ctx, LastIframeURLKey)
	require.NoError(t, err)
	assert.Equal(t, url, setting.Value)
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveLastURL(t.Context(), "https://x.example"))
	url, err := s.LastURL(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "https://x.example", url)
}
