package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Terminal TerminalConfig `json:"terminal" yaml:"terminal"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ServerConfig contains the HTTP listener parameters
type ServerConfig struct {
	Listen       string `json:"listen" yaml:"listen"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

// TerminalConfig describes how a terminal process is launched and stopped
type TerminalConfig struct {
	Binary   string   `json:"binary" yaml:"binary"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"` // may use {account}, {workdir}, {inbox}
	Env      []string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkRoot string   `json:"work_root" yaml:"work_root"`

	StartupGrace string `json:"startup_grace" yaml:"startup_grace"`
	GracePeriod  string `json:"grace_period" yaml:"grace_period"`
	KillWait     string `json:"kill_wait" yaml:"kill_wait"`
	SpawnTimeout string `json:"spawn_timeout,omitempty" yaml:"spawn_timeout,omitempty"` // empty means unbounded
}

// RegistryConfig selects the account store
type RegistryConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory", "sqlite3" or "postgres"
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// WebhookConfig contains the signal endpoint parameters
type WebhookConfig struct {
	Token       string `json:"token" yaml:"token"`
	TokenHeader string `json:"token_header" yaml:"token_header"`
	PathPrefix  string `json:"path_prefix" yaml:"path_prefix"`
	MaxBody     int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// EventsConfig selects where lifecycle events are published
type EventsConfig struct {
	WebSocket bool        `json:"websocket" yaml:"websocket"`
	Journal   string      `json:"journal,omitempty" yaml:"journal,omitempty"` // sqlite path; empty disables history
	Redis     RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig contains the pub/sub connection parameters
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// LogConfig contains logging parameters
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// Durations holds the parsed terminal timings
type Durations struct {
	StartupGrace time.Duration
	GracePeriod  time.Duration
	KillWait     time.Duration
	SpawnTimeout time.Duration
}

// Durations parses the terminal timing strings
func (t TerminalConfig) Durations() (Durations, error) {
	var d Durations
	var err error
	if d.StartupGrace, err = parseDuration("terminal.startup_grace", t.StartupGrace); err != nil {
		return d, err
	}
	if d.GracePeriod, err = parseDuration("terminal.grace_period", t.GracePeriod); err != nil {
		return d, err
	}
	if d.KillWait, err = parseDuration("terminal.kill_wait", t.KillWait); err != nil {
		return d, err
	}
	if d.SpawnTimeout, err = parseDuration("terminal.spawn_timeout", t.SpawnTimeout); err != nil {
		return d, err
	}
	return d, nil
}

// Timeouts parses the server read and write timeouts
func (s ServerConfig) Timeouts() (read, write time.Duration, err error) {
	if read, err = parseDuration("server.read_timeout", s.ReadTimeout); err != nil {
		return 0, 0, err
	}
	if write, err = parseDuration("server.write_timeout", s.WriteTimeout); err != nil {
		return 0, 0, err
	}
	return read, write, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// Load reads path (or starts from Default when path is empty), loads an
// optional .env file and applies TERMFLEET_* overrides, then validates.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = readFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadEnv(envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// readFile parses path over the defaults, so a file only needs the
// fields it changes.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// LoadEnv loads variables from a .env file without overriding the
// environment. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from TERMFLEET_* environment variables
func (c *Config) ApplyEnv() error {
	setString(&c.Server.Listen, "TERMFLEET_LISTEN")
	setString(&c.Terminal.Binary, "TERMFLEET_TERMINAL_BINARY")
	setString(&c.Terminal.WorkRoot, "TERMFLEET_WORK_ROOT")
	setString(&c.Terminal.GracePeriod, "TERMFLEET_GRACE_PERIOD")
	setString(&c.Registry.Driver, "TERMFLEET_REGISTRY_DRIVER")
	setString(&c.Registry.DSN, "TERMFLEET_REGISTRY_DSN")
	setString(&c.Webhook.Token, "TERMFLEET_WEBHOOK_TOKEN")
	setString(&c.Events.Journal, "TERMFLEET_JOURNAL")
	setString(&c.Log.Level, "TERMFLEET_LOG_LEVEL")
	setString(&c.Log.Format, "TERMFLEET_LOG_FORMAT")

	if addr := os.Getenv("TERMFLEET_REDIS_ADDR"); addr != "" {
		c.Events.Redis.Addr = addr
		c.Events.Redis.Enabled = true
	}
	setString(&c.Events.Redis.Password, "TERMFLEET_REDIS_PASSWORD")
	if v := os.Getenv("TERMFLEET_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TERMFLEET_REDIS_DB: %w", err)
		}
		c.Events.Redis.DB = db
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension).
// The file is replaced atomically.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine format by extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, _, err := c.Server.Timeouts(); err != nil {
		return err
	}

	if c.Terminal.Binary == "" {
		return fmt.Errorf("terminal.binary is required")
	}
	if c.Terminal.WorkRoot == "" {
		return fmt.Errorf("terminal.work_root is required")
	}
	d, err := c.Terminal.Durations()
	if err != nil {
		return err
	}
	if d.GracePeriod <= 0 {
		return fmt.Errorf("terminal.grace_period must be positive")
	}

	switch c.Registry.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn is required for %s", c.Registry.Driver)
		}
	default:
		return fmt.Errorf("registry.driver must be 'memory', 'sqlite3' or 'postgres'")
	}

	if !strings.HasPrefix(c.Webhook.PathPrefix, "/") {
		return fmt.Errorf("webhook.path_prefix must start with '/'")
	}
	if strings.Trim(c.Webhook.PathPrefix, "/") == "" {
		return fmt.Errorf("webhook.path_prefix must name a path below '/'")
	}
	if strings.HasPrefix(c.Webhook.PathPrefix, "/api") {
		return fmt.Errorf("webhook.path_prefix must not be under /api")
	}
	if c.Webhook.MaxBody < 0 {
		return fmt.Errorf("webhook.max_body_bytes must not be negative")
	}

	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		return fmt.Errorf("events.redis.addr is required when redis is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			ReadTimeout:  "10s",
			WriteTimeout: "30s",
		},
		Terminal: TerminalConfig{
			Binary:       "terminal",
			Args:         []string{"--account", "{account}", "--inbox", "{inbox}"},
			WorkRoot:     "./accounts",
			StartupGrace: "500ms",
			GracePeriod:  "10s",
			KillWait:     "5s",
			SpawnTimeout: "30s",
		},
		Registry: RegistryConfig{
			Driver: "sqlite3",
			DSN:    "./termfleet.db",
		},
		Webhook: WebhookConfig{
			TokenHeader: "X-Webhook-Token",
			PathPrefix:  "/webhook",
			MaxBody:     64 << 10,
		},
		Events: EventsConfig{
			WebSocket: true,
			Journal:   "./termfleet-journal.db",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "termfleet:events",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
