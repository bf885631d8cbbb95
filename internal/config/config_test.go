package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "fieldops:events", cfg.Redis.Channel)
	assert.Equal(t, []string{"email", "chat"}, cfg.KPI.Channels)
	assert.Equal(t, 4, cfg.KPI.NotifyWorkers)
	assert.Equal(t, 5, cfg.KPI.CheckIntervalMinutes)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  env: production
database:
  url: postgres://app@db/fieldops
kpi:
  channels: [chat]
  notify_workers: 8
vault:
  keys: ["aa"]
  refresh_skew_minutes: 30
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "postgres://app@db/fieldops", cfg.Database.URL)
	assert.Equal(t, []string{"chat"}, cfg.KPI.Channels)
	assert.Equal(t, 8, cfg.KPI.NotifyWorkers)
	assert.Equal(t, 30, cfg.Vault.RefreshSkewMinutes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
database:
  url: postgres://file@db/fieldops
vault:
  keys: ["bb"]
`)

	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://env@db/fieldops")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("VAULT_KEY", "aa")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "postgres://env@db/fieldops", cfg.Database.URL)
	assert.Equal(t, 3, cfg.Redis.DB)
	// The rotated-in key becomes the primary, the file key stays decodable.
	assert.Equal(t, []string{"aa", "bb"}, cfg.Vault.Keys)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
