// ABOUTME: Tests for tenant identity creation, loading, and reset
// ABOUTME: Uses temp dirs so no real config is touched

package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sacmes", "agent.toml")

	first, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = uuid.Parse(first.TenantID)
	assert.NoError(t, err, "tenant id should be a uuid")
	assert.False(t, first.CreatedAt.IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TenantID, second.TenantID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")

	orig, _, err := LoadOrCreate(path)
	require.NoError(t, err)

	fresh, err := Reset(path)
	require.NoError(t, err)
	assert.NotEqual(t, orig.TenantID, fresh.TenantID)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, fresh.TenantID, loaded.TenantID)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(empty, []byte("created_at = 2024-01-01T00:00:00Z\n"), 0o600))
	_, err = Load(empty)
	assert.ErrorIs(t, err, ErrNoTenant)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("tenant_id = \n"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	// A corrupt file is not silently replaced.
	_, _, err = LoadOrCreate(bad)
	assert.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "sacmes", "agent.toml"), DefaultPath())
}
