package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func writeConfigFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", name), []byte(contents), 0o644))
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := chdirTemp(t)
	writeConfigFile(t, dir, "default.yaml", `
database:
  dsn: "postgres://localhost/indexer"
node:
  base_url: "http://localhost:9090"
`)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int32(10), cfg.Database.MaxConns)
	require.True(t, cfg.Database.MigrateOnStart)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMergesEnvironmentFile(t *testing.T) {
	dir := chdirTemp(t)
	writeConfigFile(t, dir, "default.yaml", `
database:
  dsn: "postgres://localhost/indexer"
  max_conns: 10
node:
  base_url: "http://localhost:9090"
`)
	writeConfigFile(t, dir, "staging.yaml", `
database:
  max_conns: 50
`)

	cfg, err := Load("staging")
	require.NoError(t, err)
	require.Equal(t, int32(50), cfg.Database.MaxConns)
	require.Equal(t, "postgres://localhost/indexer", cfg.Database.DSN)
}

func TestLoadRequiresDSNAndBaseURL(t *testing.T) {
	chdirTemp(t)
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAppliesEnvironmentVariableOverride(t *testing.T) {
	dir := chdirTemp(t)
	writeConfigFile(t, dir, "default.yaml", `
database:
  dsn: "postgres://localhost/indexer"
node:
  base_url: "http://localhost:9090"
`)
	t.Setenv("IDX_DATABASE_DSN", "postgres://override/indexer")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://override/indexer", cfg.Database.DSN)
}
