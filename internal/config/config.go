// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/toolgate/config.toml",
	"configs/config.toml",
}

// StatusPath is the gateway status route; it is reserved alongside /healthz.
const StatusPath = "/gateway/status"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	MountPrefix string `kong:"help='Gateway mount prefix, e.g. /tools (overrides config).',env='MOUNT_PREFIX'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tools    []ToolConfig   `toml:"tools"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig holds settings for the embedding gateway.
type GatewayConfig struct {
	MountPrefix         string `toml:"mount_prefix"`
	HTMLMaxBytes        int64  `toml:"html_max_bytes"`
	FormReloadTimeoutMS int    `toml:"form_reload_timeout_ms"`
	SessionIdleMinutes  int    `toml:"session_idle_minutes"`
	SessionSweepMinutes int    `toml:"session_sweep_minutes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds            int  `toml:"timeout_seconds"`
	LongRunningTimeoutSeconds int  `toml:"long_running_timeout_seconds"`
	IdleConnections           int  `toml:"idle_connections"`
	InsecureSkipVerify        bool `toml:"insecure_skip_verify"`
}

// ToolConfig is one [[tools]] entry.
type ToolConfig struct {
	ID               string   `toml:"id"                 validate:"required,max=64,excludesall=/?#%"`
	Name             string   `toml:"name"`
	URL              string   `toml:"url"                validate:"required,http_url"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"           validate:"required_with=Username"`
	APIKey           string   `toml:"api_key"`
	AccessType       string   `toml:"access_type"        validate:"omitempty,oneof=iframe both link"`
	LongRunningPaths []string `toml:"long_running_paths" validate:"dive,startswith=/"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/toolgate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.MountPrefix != "" {
		c.Gateway.MountPrefix = cli.MountPrefix
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.LongRunningTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.long_running_timeout_seconds must be non-negative; got %d", c.Upstream.LongRunningTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Gateway.HTMLMaxBytes < 0 {
		return fmt.Errorf("gateway.html_max_bytes must be non-negative; got %d", c.Gateway.HTMLMaxBytes)
	}
	if c.Gateway.FormReloadTimeoutMS < 0 {
		return fmt.Errorf("gateway.form_reload_timeout_ms must be non-negative; got %d", c.Gateway.FormReloadTimeoutMS)
	}
	if c.Gateway.SessionIdleMinutes < 0 || c.Gateway.SessionSweepMinutes < 0 {
		return fmt.Errorf("gateway.session_idle_minutes and gateway.session_sweep_minutes must be non-negative")
	}

	// Mount prefix: a rooted path without a trailing slash.
	if p := c.Gateway.MountPrefix; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("gateway.mount_prefix must start with '/'; got %q", p)
		}
		if p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("gateway.mount_prefix must not end with '/'; got %q", p)
		}
		if strings.ContainsAny(p, "?#") {
			return fmt.Errorf("gateway.mount_prefix must be a plain path; got %q", p)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.ReservedPaths() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return c.validateTools()
}

// validateTools checks each [[tools]] entry and rejects duplicate IDs.
func (c *Config) validateTools() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if err := v.Struct(t); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return fmt.Errorf("tools[%d].%s failed %q validation", i, strings.ToLower(fe.Field()), fe.Tag())
			}
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("tools[%d].id %q is a duplicate", i, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Gateway.MountPrefix == "" {
		c.Gateway.MountPrefix = "/tools"
	}
	if c.Gateway.HTMLMaxBytes == 0 {
		c.Gateway.HTMLMaxBytes = 10 * 1024 * 1024
	}
	if c.Gateway.FormReloadTimeoutMS == 0 {
		c.Gateway.FormReloadTimeoutMS = 15000
	}
	if c.Gateway.SessionIdleMinutes == 0 {
		c.Gateway.SessionIdleMinutes = 30
	}
	if c.Gateway.SessionSweepMinutes == 0 {
		c.Gateway.SessionSweepMinutes = 30
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.LongRunningTimeoutSeconds == 0 {
		c.Upstream.LongRunningTimeoutSeconds = 600
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ReservedPaths returns the route prefixes owned by the gateway itself.
func (c *Config) ReservedPaths() []string {
	mount := c.Gateway.MountPrefix
	if mount == "" {
		mount = "/tools"
	}
	return []string{mount, "/healthz", StatusPath}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout is the default per-request upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LongRunningTimeout applies to sub-paths a tool lists in long_running_paths.
func (c *UpstreamConfig) LongRunningTimeout() time.Duration {
	return time.Duration(c.LongRunningTimeoutSeconds) * time.Second
}

// SessionIdle is the idle threshold after which session entries are swept.
func (c *GatewayConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

// SessionSweep is the interval between session sweeps.
func (c *GatewayConfig) SessionSweep() time.Duration {
	return time.Duration(c.SessionSweepMinutes) * time.Minute
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// Tool credentials live in this file.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
