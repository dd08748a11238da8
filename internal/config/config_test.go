package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7380", cfg.ListenAddr)
	assert.Equal(t, "schema.yaml", cfg.SchemaPath)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 60, cfg.Metrics.IntervalSeconds)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "0.0.0.0:9000"
schema_path: "custom-schema.yaml"
storage:
  backend: sqlite
  dsn: /tmp/relstate.db
metrics:
  enabled: true
  interval_seconds: 5
verbose: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "custom-schema.yaml", cfg.SchemaPath)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/relstate.db", cfg.Storage.DSN)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5, cfg.Metrics.IntervalSeconds)
	assert.True(t, cfg.Verbose)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verbose: false\n"), 0o644))

	changes := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) {
		changes <- cfg
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("verbose: true\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.True(t, cfg.Verbose)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
