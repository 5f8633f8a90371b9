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
	path := filepath.Join(t.TempDir(), "approval.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, uint16(1), cfg.Engine.MachineID)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
  database:
    host: db.internal
    port: 6432
    username: approval
    name: approvals
engine:
  machine_id: 7
  lock_ttl: 10s
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, DriverPostgres, cfg.Storage.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Database.Host)
	assert.Equal(t, 6432, cfg.Storage.Database.Port)
	assert.Equal(t, "disable", cfg.Storage.Database.SSLMode, "unset keys keep their defaults")
	assert.Equal(t, uint16(7), cfg.Engine.MachineID)
	assert.Equal(t, 10*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")
	t.Setenv("APPROVAL_STORAGE_DRIVER", "redis")
	t.Setenv("APPROVAL_REDIS_ADDR", "cache:6380")
	t.Setenv("APPROVAL_REDIS_DB", "3")
	t.Setenv("APPROVAL_MACHINE_ID", "42")
	t.Setenv("APPROVAL_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, uint16(42), cfg.Engine.MachineID)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown driver", body: "storage:\n  driver: mongo\n"},
		{name: "bad yaml", body: "storage: [\n"},
		{name: "bad log format", body: "log:\n  format: xml\n"},
		{name: "zero lock ttl", body: "engine:\n  lock_ttl: 0s\n"},
		{name: "empty sqlite path", body: "storage:\n  driver: sqlite\n  database:\n    path: \"\"\n"},
		{name: "bad port", env: map[string]string{"DB_PORT": "abc"}},
		{name: "machine id overflow", env: map[string]string{"APPROVAL_MACHINE_ID": "70000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
