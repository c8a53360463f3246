package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"trase-agent/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRASE_AUTH_MODE", "jwt")
	t.Setenv("TRASE_AUTH_JWT_SECRET", "top-secret")

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "top-secret")

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, redacted, cfg.Auth.JWT.Secret)
	assert.Equal(t, ":8080", cfg.Server.Address)

	out, err = execute(t, "config", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "top-secret")
}

func TestMigrateCommandSQLite(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRASE_STORAGE_DRIVER", "sqlite")
	t.Setenv("TRASE_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "trase.db"))

	out, err := execute(t, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "pending 0001\npending 0002\n", out)

	out, err = execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 0001")
	assert.Contains(t, out, "applied 0002")

	out, err = execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema is up to date")
}

func TestMigrateCommandMemory(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "memory storage needs no migrations")
}

func TestEventsTailRequiresBroker(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRASE_EVENTS_DRIVER", "memory")
	_, err := execute(t, "events", "tail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis or rabbitmq")
}

func TestRejectsInvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRASE_STORAGE_DRIVER", "postgres")
	_, err := execute(t, "migrate")
	require.Error(t, err)
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "--log-level", "verbose", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}
