package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/dunamis/internal/config"
)

const validConfig = `
server:
  addresses: [irc.example.net]
channels:
  - name: "#dunamis"
plugins:
  enabled: [stats, weather]
storage:
  driver: memory
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootHasSubcommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "version", "check-config", "migrate"} {
		assert.Contains(t, out, sub)
	}
	assert.Contains(t, out, "--config")
	assert.Contains(t, out, "--foreground")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dunamis version ")
	assert.Contains(t, out, "Commit: ")
}

func TestCheckConfig(t *testing.T) {
	out, err := execute(t, "check-config", "--config", writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK: 1 endpoints, 1 channels")
	assert.Contains(t, out, "Available plugins: [core network poll stats]")
	assert.Contains(t, out, `Warning: enabled plugin "weather" is not available`)
}

func TestCheckConfigRejectsInvalid(t *testing.T) {
	_, err := execute(t, "check-config", "-c", writeConfig(t, "channels: []\n"))
	require.Error(t, err)

	_, err = execute(t, "check-config", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	_, err := execute(t, "migrate", "-c", writeConfig(t, validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestFlagsOverrideConfig(t *testing.T) {
	opts := &rootOptions{configPath: writeConfig(t, validConfig), overrides: config.Flags()}
	require.NoError(t, opts.overrides.Parse([]string{"--log.level", "debug"}))

	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver, "unchanged flags do not override the file")
}
