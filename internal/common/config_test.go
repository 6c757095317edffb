package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFiles_Defaults(t *testing.T) {
	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, DefaultLoginURL, config.Portal.LoginURL)
	assert.Equal(t, DefaultProbeURL, config.Probe.URL)
	assert.Equal(t, "5s", config.Broker.Cooldown)
	assert.Equal(t, 2, config.Monitor.FailureThreshold)
	assert.Equal(t, "192.168.1.254", config.PortalHost())
}

func TestLoadFromFiles_LaterFileWins(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000

[broker]
cooldown = "7s"
`)
	override := writeConfig(t, "override.toml", `
[broker]
cooldown = "9s"

[portal]
login_url = "http://10.0.0.1/login"
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "9s", config.Broker.Cooldown)
	assert.Equal(t, "10.0.0.1", config.PortalHost())
	// Untouched sections keep their defaults
	assert.Equal(t, "30s", config.Broker.TabLifetime)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "portalguard.toml", `
[server]
port = 9000
`)
	t.Setenv("PORTALGUARD_SERVER_PORT", "9100")
	t.Setenv("PORTALGUARD_LOG_OUTPUT", "stdout, file")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, []string{"stdout", "file"}, config.Logging.Output)
}

func TestLoadFromFiles_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "bad.toml", `
[monitor]
debounce = "soon"
`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.debounce")
}

func TestLoadFromFiles_RejectsBadKeepAlive(t *testing.T) {
	path := writeConfig(t, "bad.toml", `
[broker]
keep_alive = "whenever"
`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.keep_alive")
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8765, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)

	ApplyFlagOverrides(config, 9999, "0.0.0.0")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "http://0.0.0.0:9999", config.ServerURL())
}

func TestMustDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, MustDuration("3s", time.Second))
	assert.Equal(t, time.Second, MustDuration("", time.Second))
	assert.Equal(t, time.Second, MustDuration("-1s", time.Second))
}
