package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trase-agent/internal/auth"
	"trase-agent/internal/events"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trased.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, events.DriverNone, cfg.Events.Driver)
	assert.Equal(t, auth.ModeDisabled, cfg.Auth.Mode)
	assert.Equal(t, time.Hour, cfg.Auth.JWT.TokenTTL)
	assert.Equal(t, []string{"stdout"}, cfg.Logging.OutputPaths)
	assert.Equal(t, 5000, cfg.Storage.SQLite.BusyTimeoutMillis)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
  shutdown_timeout: 3s
storage:
  driver: SQLite
  sqlite:
    path: /tmp/trase-test.db
auth:
  mode: jwt
  jwt:
    secret: from-file
  seeds:
    - username: admin
      password: admin
      roles: [ADMIN]
events:
  driver: memory
  buffer_size: 8
`)
	t.Setenv("TRASE_SERVER_ADDRESS", ":7070")
	t.Setenv("TRASE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("TRASE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/trase-test.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, auth.ModeJWT, cfg.Auth.Mode)
	assert.Equal(t, "from-env", cfg.Auth.JWT.Secret)
	require.Len(t, cfg.Auth.Seeds, 1)
	assert.Equal(t, []string{"ADMIN"}, cfg.Auth.Seeds[0].Roles)
	assert.Equal(t, 8, cfg.Events.BufferSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "metrics:\n  address: \":9100\"\n")
	t.Setenv(EnvConfigFile, path)

	loader := NewLoader()
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Metrics.Address)
	assert.Equal(t, path, loader.ConfigFileUsed())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:  ServerConfig{Address: ":8080"},
			Storage: StorageConfig{Driver: StorageMemory},
			Events:  events.Config{Driver: events.DriverNone},
			Auth:    auth.Config{Mode: auth.ModeDisabled},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "不支持的存储驱动"},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Storage.Driver = StorageMySQL }, wantErr: "storage.mysql.dsn"},
		{name: "unknown events", mutate: func(c *Config) { c.Events.Driver = "kafka" }, wantErr: "不支持的事件驱动"},
		{name: "jwt without secret", mutate: func(c *Config) { c.Auth.Mode = auth.ModeJWT }, wantErr: "auth.jwt.secret"},
		{name: "unknown auth mode", mutate: func(c *Config) { c.Auth.Mode = "oauth" }, wantErr: "不支持的鉴权模式"},
		{
			name: "rate limit without burst",
			mutate: func(c *Config) {
				c.Server.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: 10}
			},
			wantErr: "server.rate_limit",
		},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Exporter = "zipkin"
			},
			wantErr: "telemetry exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
