package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.ShellTimeout())
	assert.Equal(t, time.Minute, cfg.HookTimeout())
	assert.Equal(t, time.Hour, cfg.LockTimeout())
	assert.NotEmpty(t, cfg.DataDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("SYSOPT_DATA_DIR", "")
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := []byte(`data_dir: /srv/sysopt
log_format: json
shell:
  timeout_seconds: 30
hooks:
  before_batch: "echo starting"
  on_error: "echo failed >&2"
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/sysopt", cfg.DataDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShellTimeout())
	assert.Equal(t, "echo starting", cfg.Hooks.BeforeBatch)
	assert.Equal(t, "echo failed >&2", cfg.Hooks.OnError)
	// Defaults preserved for unset fields
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.HookTimeout())
	assert.Equal(t, filepath.Join("/srv/sysopt", "Revert"), cfg.Layout().RevertDir())
}

func TestLoadConfigFileNotFound(t *testing.T) {
	t.Setenv("SYSOPT_DATA_DIR", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err, "missing config file should return defaults, not error")
	assert.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("SYSOPT_DATA_DIR", dataDir)
	t.Setenv("LOG_LEVEL", "DEBUG")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: /ignored\nlog_level: error\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("SYSOPT_DATA_DIR", "")
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "shell: [unterminated"},
		{"bad log level", "log_level: chatty"},
		{"bad log format", "log_format: xml"},
		{"negative timeout", "shell:\n  timeout_seconds: -5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
