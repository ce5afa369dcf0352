package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.NotEmpty(t, cfg.InstallRoot)
	assert.NotEmpty(t, cfg.CacheRoot)
	assert.NotEqual(t, cfg.InstallRoot, cfg.CacheRoot)
	assert.Equal(t, 4, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 3, cfg.Downloads.MaxRetries)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "papatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
install_root: /games/pa
cache_root: /var/cache/pa
stream: stable
downloads:
  max_concurrent: 8
  max_retries: 5
  backoff_base: 250ms
  backoff_max: 1m
  rate_limit: 1048576
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/games/pa", cfg.InstallRoot)
	assert.Equal(t, "/var/cache/pa", cfg.CacheRoot)
	assert.Equal(t, "stable", cfg.Stream)
	assert.Equal(t, 8, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, 5, cfg.Downloads.MaxRetries)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Downloads.BackoffBase)
	assert.Equal(t, Duration(time.Minute), cfg.Downloads.BackoffMax)
	assert.Equal(t, int64(1<<20), cfg.Downloads.RateLimit)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "papatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stream: PTE\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "PTE", cfg.Stream)
	assert.Equal(t, Default().InstallRoot, cfg.InstallRoot)
	assert.Equal(t, Default().Downloads, cfg.Downloads)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	bad := filepath.Join(dir, "bad-duration.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("downloads:\n  backoff_base: soon\n"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("downloads:\n  max_retries: -1\n"), 0o644))
	_, err = Load(negative)
	assert.Error(t, err)
}
