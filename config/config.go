// Package config loads the service configuration from a YAML file.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	License   LicenseConfig   `yaml:"license"`
	AI        AIConfig        `yaml:"ai"`
	Site      SiteConfig      `yaml:"site"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	RequestRate     float64       `yaml:"request_rate"`  // control requests per second per license
	RequestBurst    int           `yaml:"request_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"` // "console", "json"
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DatabaseConfig configures the session row store.
type DatabaseConfig struct {
	Driver            string `yaml:"driver"` // "postgres", "sqlite"
	DSN               string `yaml:"dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
	AuthEncryptionKey string `yaml:"auth_encryption_key"` // 32 bytes, hex or base64
}

// TransportConfig configures the whatsmeow key store.
type TransportConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dialect  string `yaml:"dialect"` // "sqlite", "postgres"
	DSN      string `yaml:"dsn"`
	LogLevel string `yaml:"log_level"`
}

// LicenseConfig points at the license API.
type LicenseConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// AIConfig configures the OpenAI-compatible completion backend.
type AIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SiteConfig configures calls to tenant sites.
type SiteConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// SessionConfig tunes session timers.
type SessionConfig struct {
	ConnectWait          time.Duration `yaml:"connect_wait"`
	PersistDebounce      time.Duration `yaml:"persist_debounce"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QRCacheSize          int           `yaml:"qr_cache_size"`
}

// Load reads configuration from a file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		// #nosec G304 -- path is from CLI args, controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.RequestRate == 0 {
		cfg.Server.RequestRate = 1
	}
	if cfg.Server.RequestBurst == 0 {
		cfg.Server.RequestBurst = 5
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.File.Path == "" {
		cfg.Log.File.Path = "logs/whatsapp-autoreply.log"
	}
	if cfg.Log.File.MaxSizeMB == 0 {
		cfg.Log.File.MaxSizeMB = 64
	}
	if cfg.Log.File.MaxBackups == 0 {
		cfg.Log.File.MaxBackups = 7
	}
	if cfg.Log.File.MaxAgeDays == 0 {
		cfg.Log.File.MaxAgeDays = 7
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:sessions.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Transport.Dialect == "" {
		cfg.Transport.Dialect = "sqlite"
	}
	if cfg.Transport.DSN == "" && cfg.Transport.Dialect == "sqlite" {
		cfg.Transport.DSN = "file:whatsapp.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	if cfg.Transport.LogLevel == "" {
		cfg.Transport.LogLevel = "warn"
	}
	if cfg.License.Timeout == 0 {
		cfg.License.Timeout = 5 * time.Second
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if cfg.AI.MaxTokens == 0 {
		cfg.AI.MaxTokens = 300
	}
	if cfg.AI.Temperature == 0 {
		cfg.AI.Temperature = 0.7
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 30 * time.Second
	}
	if cfg.Site.Timeout == 0 {
		cfg.Site.Timeout = 5 * time.Second
	}
	if cfg.Site.Workers == 0 {
		cfg.Site.Workers = 8
	}
	if cfg.Site.QueueSize == 0 {
		cfg.Site.QueueSize = 256
	}
	if cfg.Session.ConnectWait == 0 {
		cfg.Session.ConnectWait = 8 * time.Second
	}
	if cfg.Session.PersistDebounce == 0 {
		cfg.Session.PersistDebounce = 750 * time.Millisecond
	}
	if cfg.Session.ReconnectBase == 0 {
		cfg.Session.ReconnectBase = time.Second
	}
	if cfg.Session.ReconnectMax == 0 {
		cfg.Session.ReconnectMax = 30 * time.Second
	}
	if cfg.Session.MaxReconnectAttempts == 0 {
		cfg.Session.MaxReconnectAttempts = 6
	}
	if cfg.Session.QRCacheSize == 0 {
		cfg.Session.QRCacheSize = 256
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Database.AuthEncryptionKey != "" {
		if _, err := c.Database.EncryptionKey(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Transport.Enabled && c.Transport.DSN == "" {
		errs = append(errs, "transport.dsn is required when the transport is enabled")
	}
	if c.License.BaseURL == "" {
		errs = append(errs, "license.base_url is required")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, "session.max_reconnect_attempts must not be negative")
	}
	if c.Session.ReconnectMax < c.Session.ReconnectBase {
		errs = append(errs, "session.reconnect_max must be >= session.reconnect_base")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EncryptionKey decodes the credential sealing key. It returns nil when no key
// is configured.
func (d DatabaseConfig) EncryptionKey() (*[32]byte, error) {
	if d.AuthEncryptionKey == "" {
		return nil, nil //nolint:nilnil // no key means sealing is off
	}
	raw, err := hex.DecodeString(d.AuthEncryptionKey)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(d.AuthEncryptionKey)
	}
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("database.auth_encryption_key must be 32 bytes encoded as hex or base64")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
