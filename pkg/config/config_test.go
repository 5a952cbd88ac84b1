package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, "/tmp/unicom.sock", cfg.UnixStreamPath)
	require.Equal(t, ":8080", cfg.ServerAddr)
	require.Equal(t, "file", cfg.Session.Backend)
	require.True(t, cfg.Metrics.Enabled)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, 5*7*24*time.Hour, cfg.Session.TokenTTL)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr = ":9090"
log_level = "debug"

[session]
backend = "redis"
redis_addr = "localhost:6379"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "redis", cfg.Session.Backend)
	require.Equal(t, "localhost:6379", cfg.Session.RedisAddr)
	// fields the file omitted keep their defaults.
	require.Equal(t, "/tmp/unicom.sock", cfg.UnixStreamPath)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadInvalidTOMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultPathsFallsBackToDefault(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := LoadDefaultPaths()
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadDefaultPathsPrefersLocalConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	defer func() { _ = os.Chdir(wd) }()

	require.NoError(t, os.WriteFile("config.toml", []byte(`log_level = "warn"`), 0o644))

	cfg, err := LoadDefaultPaths()
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
}
