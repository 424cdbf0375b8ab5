package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zpool-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 35, cfg.Queue.MaxPending)
	assert.Equal(t, uint(16), cfg.Cache.BlockShift)
	assert.Equal(t, 1024, cfg.ARC.Entries)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_pending: 10
  read_shift: 5ms
cache:
  size: 1048576
arc:
  entries: 64
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.MaxPending)
	assert.Equal(t, 4, cfg.Queue.MinPending, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Millisecond, cfg.Queue.ReadShift)
	assert.Equal(t, uint64(1<<20), cfg.Cache.Size)
	assert.Equal(t, 64, cfg.ARC.Entries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ZPOOL_ARC_ENTRIES", "7")
	t.Setenv("ZPOOL_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ARC.Entries)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"min above max", "queue:\n  min_pending: 40\n  max_pending: 10\n"},
		{"zero agg limit", "queue:\n  agg_limit: 0\n"},
		{"bshift too small", "cache:\n  bshift: 8\n"},
		{"bshift too large", "cache:\n  bshift: 21\n"},
		{"no arc entries", "arc:\n  entries: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
