package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
rpc_path: /api/sync
listen: 0.0.0.0:9000
storage:
  driver: postgres
  dsn: postgres://localhost/vaultsync?sslmode=disable
  max_storage_size: 1048576
actor:
  idle_eviction: 30s
scheduler:
  workers: 8
  default_queue_bound: 64
  invoke_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/api/sync", cfg.RPCPath)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxStorageSize)
	assert.Equal(t, 30*time.Second, cfg.Actor.IdleEviction)
	assert.Equal(t, 8, cfg.Scheduler.Workers)

	// Untouched fields keep their defaults.
	assert.Equal(t, "SYNC_STORAGE", cfg.BindingName)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad rpc path", "rpc_path: sync"},
		{"bad driver", "storage:\n  driver: mysql\n  dsn: x"},
		{"missing dsn", "storage:\n  driver: sqlite3\n  dsn: \"\""},
		{"zero workers", "scheduler:\n  workers: 0"},
		{"negative quota", "storage:\n  dsn: x\n  max_storage_size: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRetryPolicy_Overrides(t *testing.T) {
	c := StorageConfig{RetryAttempts: 7, RetryBaseDelay: time.Millisecond}
	p := c.RetryPolicy()
	assert.Equal(t, 7, p.Attempts)
	assert.Equal(t, time.Millisecond, p.BaseDelay)
	// Unset fields fall back to the default policy.
	assert.NotZero(t, p.MaxDelay)
}
