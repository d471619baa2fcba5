package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Default locations and bounds
const (
	DefaultDatabasePath    = "forward_rules.db"
	DefaultStatusLogPath   = "/etc/openvpn/server/openvpn-status.log"
	DefaultSyncInterval    = 10 * time.Second
	DefaultUpstreamTimeout = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultDialTimeout     = 5 * time.Second

	MinSyncInterval = time.Second

	ProxyModeHTTP = "http"
	ProxyModeTCP  = "tcp"
)

// Config holds the application configuration
type Config struct {
	// Upstream sources
	DatabasePath  string `env:"CHARON_DATABASE_PATH" default:"forward_rules.db" json:"databasePath"`
	StatusLogPath string `env:"CHARON_STATUS_LOG_PATH" default:"/etc/openvpn/server/openvpn-status.log" json:"statusLogPath"`

	// Reconciliation settings
	SyncInterval    time.Duration `env:"CHARON_SYNC_INTERVAL" default:"10s" json:"syncInterval"`
	UpstreamTimeout time.Duration `env:"CHARON_UPSTREAM_TIMEOUT" default:"5s" json:"upstreamTimeout"`
	ShutdownTimeout time.Duration `env:"CHARON_SHUTDOWN_TIMEOUT" default:"5s" json:"shutdownTimeout"`

	// Proxy settings
	ListenHost  string        `env:"CHARON_LISTEN_HOST" json:"listenHost"`
	ProxyMode   string        `env:"CHARON_PROXY_MODE" default:"http" json:"proxyMode"`
	DialTimeout time.Duration `env:"CHARON_DIAL_TIMEOUT" default:"5s" json:"dialTimeout"`

	// Application Settings
	MetricsAddr string `env:"CHARON_METRICS_ADDR" json:"metricsAddr"`
	Debug       bool   `env:"DEBUG" default:"false" json:"debug"`
	LogLevel    string `env:"LOG_LEVEL" default:"info" json:"logLevel"`
}

// fileConfig mirrors Config with durations kept as strings ("10s", "1m")
type fileConfig struct {
	DatabasePath    string `json:"databasePath"`
	StatusLogPath   string `json:"statusLogPath"`
	SyncInterval    string `json:"syncInterval"`
	UpstreamTimeout string `json:"upstreamTimeout"`
	ShutdownTimeout string `json:"shutdownTimeout"`
	ListenHost      string `json:"listenHost"`
	ProxyMode       string `json:"proxyMode"`
	DialTimeout     string `json:"dialTimeout"`
	MetricsAddr     string `json:"metricsAddr"`
	Debug           bool   `json:"debug"`
	LogLevel        string `json:"logLevel"`
}

var validLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate performs basic validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if c.DatabasePath == "" {
		errors = append(errors, "database path cannot be empty")
	}

	if c.StatusLogPath == "" {
		errors = append(errors, "status log path cannot be empty")
	}

	if c.SyncInterval < MinSyncInterval {
		errors = append(errors, fmt.Sprintf("sync interval cannot be shorter than %v", MinSyncInterval))
	}

	if c.UpstreamTimeout <= 0 {
		errors = append(errors, "upstream timeout must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		errors = append(errors, "shutdown timeout must be positive")
	}

	if c.DialTimeout <= 0 {
		errors = append(errors, "dial timeout must be positive")
	}

	if c.ProxyMode != ProxyModeHTTP && c.ProxyMode != ProxyModeTCP {
		errors = append(errors, fmt.Sprintf("proxy mode must be %q or %q, got %q", ProxyModeHTTP, ProxyModeTCP, c.ProxyMode))
	}

	if c.ListenHost != "" {
		if err := validateIP(c.ListenHost); err != nil {
			errors = append(errors, fmt.Sprintf("invalid listen host format: %v", err))
		}
	}

	if !contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("log level must be one of %s", strings.Join(validLogLevels, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// SlogLevel maps LogLevel and Debug onto a slog level.
// logr's V(n) is emitted at slog level -n, so trace opens up everything.
func (c *Config) SlogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return slog.Level(-8)
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validateIP performs IP address validation using Go's net package
func validateIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("empty string")
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return fmt.Errorf("invalid IP address format")
	}

	return nil
}

// LoadFile merges a YAML or JSON config file into the configuration.
// Only fields present in the file overwrite current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.DatabasePath != "" {
		c.DatabasePath = fc.DatabasePath
	}
	if fc.StatusLogPath != "" {
		c.StatusLogPath = fc.StatusLogPath
	}
	if fc.ListenHost != "" {
		c.ListenHost = fc.ListenHost
	}
	if fc.ProxyMode != "" {
		c.ProxyMode = fc.ProxyMode
	}
	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.Debug {
		c.Debug = true
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"syncInterval", fc.SyncInterval, &c.SyncInterval},
		{"upstreamTimeout", fc.UpstreamTimeout, &c.UpstreamTimeout},
		{"shutdownTimeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
		{"dialTimeout", fc.DialTimeout, &c.DialTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

// InitFromEnv initializes config from environment variables
func InitFromEnv(cfg *Config) {
	if v := os.Getenv("CHARON_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CHARON_STATUS_LOG_PATH"); v != "" {
		cfg.StatusLogPath = v
	}
	if v := os.Getenv("CHARON_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("CHARON_PROXY_MODE"); v != "" {
		cfg.ProxyMode = v
	}
	if v := os.Getenv("CHARON_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	setDurationFromEnv("CHARON_SYNC_INTERVAL", &cfg.SyncInterval)
	setDurationFromEnv("CHARON_UPSTREAM_TIMEOUT", &cfg.UpstreamTimeout)
	setDurationFromEnv("CHARON_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	setDurationFromEnv("CHARON_DIAL_TIMEOUT", &cfg.DialTimeout)
	if !cfg.Debug {
		cfg.Debug = os.Getenv("DEBUG") != ""
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// setDurationFromEnv leaves dst untouched when the variable is unset or malformed
func setDurationFromEnv(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// SetDefaults sets the default values for configuration
func (c *Config) SetDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.StatusLogPath == "" {
		c.StatusLogPath = DefaultStatusLogPath
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ProxyMode == "" {
		c.ProxyMode = ProxyModeHTTP
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load loads configuration from environment variables and applies defaults
func (c *Config) Load() {
	InitFromEnv(c)
	c.SetDefaults()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
