package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.True(t, cfg.Server.AutoStart)
	assert.Empty(t, cfg.Model.Default)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8123
  auto_start: false
model:
  default: gpt-5
upstream:
  api_key: test-key
  base_url: http://localhost:9999/v1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.False(t, cfg.Server.AutoStart)
	assert.Equal(t, "gpt-5", cfg.Model.Default)
	assert.Equal(t, "test-key", cfg.Upstream.APIKey)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8123\n"), 0o600))

	t.Setenv("LMBRIDGE_PORT", "9321")
	t.Setenv("LMBRIDGE_DEFAULT_MODEL", "gpt-5-codex-high")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9321, cfg.Server.Port)
	assert.Equal(t, "gpt-5-codex-high", cfg.Model.Default)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
