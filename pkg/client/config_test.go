package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	again, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadClientConfigKeepsUnsetDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
url = "wss://chat.example.com/ws"
max_offline_attempts = 4

[logging]
level = "debug"
`), 0644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.Connection.URL)
	assert.Equal(t, 4, cfg.Connection.MaxOfflineAttempts)
	assert.Equal(t, 30, cfg.Connection.ReconnectMaxDelaySeconds)
	assert.Equal(t, 50, cfg.History.PageSize)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel())

	rt := cfg.ClientConfig()
	assert.Equal(t, "chat.example.com", rt.Host)
	assert.Equal(t, 2*time.Second, rt.ReconnectBase)
	assert.Equal(t, 30*time.Second, rt.ReconnectCap)
	assert.Equal(t, 4, rt.MaxOfflineAttempts)
	assert.Equal(t, 30*time.Second, rt.RequestTimeout)
}

func TestLoadClientConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\nurl = \"wss://a/ws\"\nmax_offline_attempts = = 3\n"), 0644))

	_, err := LoadClientConfig(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, path, cfgErr.Path)
	assert.Equal(t, 3, cfgErr.LineNumber)
	assert.NotContains(t, cfgErr.Message, "toml: ")
	assert.Contains(t, cfgErr.Error(), "(line 3)")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TOMLConfig)
		want   string
	}{
		{"http url", func(c *TOMLConfig) { c.Connection.URL = "https://example.com" }, "Invalid server url"},
		{"no host", func(c *TOMLConfig) { c.Connection.URL = "wss:///ws" }, "Invalid server url"},
		{"negative delay", func(c *TOMLConfig) { c.Connection.ReconnectBaseSeconds = -1 }, "cannot be negative"},
		{"cap below base", func(c *TOMLConfig) { c.Connection.ReconnectMaxDelaySeconds = 1 }, "less than the base"},
		{"page size", func(c *TOMLConfig) { c.History.PageSize = 501 }, "page size"},
		{"cache window", func(c *TOMLConfig) { c.Local.CacheWindow = -5 }, "Cache window"},
		{"log level", func(c *TOMLConfig) { c.Logging.Level = "chatty" }, "Invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTOMLConfig()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := DefaultTOMLConfig()
	assert.NoError(t, validateConfig(&cfg))
}

func TestExtractLineNumber(t *testing.T) {
	assert.Equal(t, 12, extractLineNumber(`toml: line 12 (last key "connection.url"): expected value`))
	assert.Equal(t, 0, extractLineNumber("something else"))
}

func TestResetConfigToDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\nurl = \"wss://old/ws\"\n"), 0644))

	require.NoError(t, ResetConfigToDefault(path, true))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig().Connection.URL, cfg.Connection.URL)

	backups, err := filepath.Glob(path + ".backup-*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Contains(t, string(old), "wss://old/ws")
}

func TestResetConfigWithoutExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh", "config.toml")

	require.NoError(t, ResetConfigToDefault(path, true))

	_, err := os.Stat(path)
	require.NoError(t, err)
	backups, err := filepath.Glob(path + ".backup-*")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRuntimeConfigDefaults(t *testing.T) {
	cfg := Config{URL: "ws://localhost:5280/ws"}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, d.ReconnectBase, cfg.ReconnectBase)
	assert.Equal(t, d.EventBuffer, cfg.EventBuffer)

	explicit := Config{URL: "ws://localhost/ws", Host: "example.org", PingIdle: time.Second}.withDefaults()
	assert.Equal(t, "example.org", explicit.Host)
	assert.Equal(t, time.Second, explicit.PingIdle)
}
