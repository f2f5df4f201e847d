package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: 9090
  corsOrigin: "https://example.com"
cron:
  enabled: false
  heartbeatInterval: 15s
database:
  poolSize: 20
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.GetInt("server.port", 0))
	assert.Equal(t, "https://example.com", cfg.GetString("server.corsOrigin", ""))
	assert.False(t, cfg.GetBool("cron.enabled", true))
	assert.Equal(t, 15*time.Second, cfg.GetDuration("cron.heartbeatInterval", 0))
	assert.Equal(t, 20, cfg.GetInt("database.poolSize", 0))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.GetString("anything", "fallback"))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	cfg := FromMap(map[string]any{
		"server": map[string]any{"port": 8080},
	})
	t.Setenv("SERVER_PORT", "9999")
	assert.Equal(t, 9999, cfg.GetInt("server.port", 0))
}

func TestDefaultsOnAbsentOrBadValues(t *testing.T) {
	cfg := FromMap(map[string]any{
		"server": map[string]any{
			"port":    "not-a-number",
			"debug":   "definitely",
			"timeout": "soon",
		},
	})
	assert.Equal(t, 8080, cfg.GetInt("server.port", 8080))
	assert.True(t, cfg.GetBool("server.debug", true))
	assert.Equal(t, time.Minute, cfg.GetDuration("server.timeout", time.Minute))
	assert.Nil(t, cfg.Get("server.missing.deep"))
}

func TestDurationFromMilliseconds(t *testing.T) {
	cfg := FromMap(map[string]any{"interval": 1500})
	assert.Equal(t, 1500*time.Millisecond, cfg.GetDuration("interval", 0))
}
