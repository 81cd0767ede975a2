package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotNil(t, cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite3", cfg.Registry.Driver)
	assert.Equal(t, "/webhook", cfg.Webhook.PathPrefix)
	assert.NoError(t, cfg.Validate())

	d, err := cfg.Terminal.Durations()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d.GracePeriod)
	assert.Equal(t, 500*time.Millisecond, d.StartupGrace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "memory registry needs no dsn",
			mutate:  func(c *Config) { c.Registry = RegistryConfig{Driver: "memory"} },
			wantErr: false,
		},
		{
			name:    "missing listen",
			mutate:  func(c *Config) { c.Server.Listen = "" },
			wantErr: true,
			errMsg:  "server.listen is required",
		},
		{
			name:    "bad read timeout",
			mutate:  func(c *Config) { c.Server.ReadTimeout = "soon" },
			wantErr: true,
			errMsg:  "server.read_timeout",
		},
		{
			name:    "missing binary",
			mutate:  func(c *Config) { c.Terminal.Binary = "" },
			wantErr: true,
			errMsg:  "terminal.binary is required",
		},
		{
			name:    "missing work root",
			mutate:  func(c *Config) { c.Terminal.WorkRoot = "" },
			wantErr: true,
			errMsg:  "terminal.work_root is required",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.Terminal.GracePeriod = "0s" },
			wantErr: true,
			errMsg:  "terminal.grace_period must be positive",
		},
		{
			name:    "negative kill wait",
			mutate:  func(c *Config) { c.Terminal.KillWait = "-1s" },
			wantErr: true,
			errMsg:  "terminal.kill_wait must not be negative",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Registry.Driver = "mysql" },
			wantErr: true,
			errMsg:  "registry.driver must be",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Registry = RegistryConfig{Driver: "postgres"} },
			wantErr: true,
			errMsg:  "registry.dsn is required for postgres",
		},
		{
			name:    "relative webhook prefix",
			mutate:  func(c *Config) { c.Webhook.PathPrefix = "hook" },
			wantErr: true,
			errMsg:  "webhook.path_prefix must start with '/'",
		},
		{
			name:    "webhook at root",
			mutate:  func(c *Config) { c.Webhook.PathPrefix = "/" },
			wantErr: true,
			errMsg:  "webhook.path_prefix must name a path below '/'",
		},
		{
			name:    "webhook at doubled root",
			mutate:  func(c *Config) { c.Webhook.PathPrefix = "//" },
			wantErr: true,
			errMsg:  "webhook.path_prefix must name a path below '/'",
		},
		{
			name:    "webhook under api",
			mutate:  func(c *Config) { c.Webhook.PathPrefix = "/api/hook" },
			wantErr: true,
			errMsg:  "must not be under /api",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Events.Redis = RedisConfig{Enabled: true} },
			wantErr: true,
			errMsg:  "events.redis.addr is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
			errMsg:  "log.level must be one of",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
			errMsg:  "log.format must be 'text' or 'json'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		ext  string
	}{
		{"json format", ".json"},
		{"yaml format", ".yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Terminal.Binary = "/opt/mt5/terminal64"
			cfg.Webhook.Token = "abc"
			path := filepath.Join(tmpDir, "test"+tt.ext)

			// Save
			err := cfg.SaveToFile(path)
			require.NoError(t, err)

			// Verify file exists
			_, err = os.Stat(path)
			require.NoError(t, err)

			// Load
			loaded, err := LoadFromFile(path)
			require.NoError(t, err)

			// Compare
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terminal:\n  binary: /usr/bin/true\n  grace_period: 3s\nregistry:\n  driver: memory\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/true", cfg.Terminal.Binary)
	assert.Equal(t, "3s", cfg.Terminal.GracePeriod)
	assert.Equal(t, "500ms", cfg.Terminal.StartupGrace)
	assert.Equal(t, "memory", cfg.Registry.Driver)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
}

func TestLoadInvalidFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path.yaml")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o644))
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TERMFLEET_WEBHOOK_TOKEN=from-dotenv\nTERMFLEET_LOG_LEVEL=debug\n"), 0o644))

	t.Setenv("TERMFLEET_LISTEN", ":9999")
	t.Setenv("TERMFLEET_REDIS_ADDR", "redis:6379")
	t.Setenv("TERMFLEET_LOG_LEVEL", "warn")
	t.Setenv("TERMFLEET_JOURNAL", filepath.Join(dir, "events.db"))
	t.Cleanup(func() { os.Unsetenv("TERMFLEET_WEBHOOK_TOKEN") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "from-dotenv", cfg.Webhook.Token)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Events.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Events.Redis.Addr)
	assert.Equal(t, filepath.Join(dir, "events.db"), cfg.Events.Journal)
}

func TestApplyEnvBadRedisDB(t *testing.T) {
	t.Setenv("TERMFLEET_REDIS_DB", "one")
	cfg := Default()
	assert.ErrorContains(t, cfg.ApplyEnv(), "TERMFLEET_REDIS_DB")
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestServerTimeouts(t *testing.T) {
	read, write, err := Default().Server.Timeouts()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, read)
	assert.Equal(t, 30*time.Second, write)
}
