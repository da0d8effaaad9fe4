package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ssh", cfg.Transport)
	assert.Equal(t, 64, cfg.ClusterShell.Fanout)
}

func TestLoad_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
transport: local
default_backend: P
puppetdb:
  host: puppetdb.example.com
  port: 8081
  api_version: 4
clustershell:
  fanout: 32
  ssh_options:
    - "-o StrictHostKeyChecking=no"
history:
  driver: sqlite
  dsn: /var/lib/cumin/history.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Transport)
	assert.Equal(t, "P", cfg.DefaultBackend)
	assert.Equal(t, "puppetdb.example.com", cfg.PuppetDB.Host)
	assert.Equal(t, 8081, cfg.PuppetDB.Port)
	assert.Equal(t, 32, cfg.ClusterShell.Fanout)
	assert.Equal(t, "sqlite", cfg.History.Driver)
}

func TestLoad_EnvironmentOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "transport: local\n")

	t.Setenv("CUMIN_TRANSPORT", "ssh")
	t.Setenv("CUMIN_CLUSTERSHELL_FANOUT", "128")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ssh", cfg.Transport)
	assert.Equal(t, 128, cfg.ClusterShell.Fanout)
}

func TestLoadAliases_MissingFileIsEmpty(t *testing.T) {
	aliases, err := LoadAliases(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestLoadAliases_ParsesSiblingFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, filepath.Join(dir, "aliases.yaml"), "webservers: \"G:role=web\"\n")

	aliases, err := LoadAliases(configPath)
	require.NoError(t, err)
	assert.Equal(t, "G:role=web", aliases["webservers"])
}
