// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// DefaultUpstreamURL is the osu! v1 API base used when upstream.base_url is unset.
const DefaultUpstreamURL = "https://old.ppy.sh/api"

// ErrEmptyKeyPool is returned when no upstream credentials are configured.
var ErrEmptyKeyPool = errors.New("gateway.key_pool must contain at least one key")

// ReservedRoutes are the operational routes served outside server.prefix.
var ReservedRoutes = []string{"/healthz", "/gateway/status"}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/oapi-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	InitConfig string   `kong:"name='init-config',help='Write a template config to this path and exit.',placeholder='PATH'"`
	Host       string   `kong:"help='Listen host (overrides config).',env='HTTP_HOST'"`
	Port       int      `kong:"short='p',help='Listen port (overrides config).',env='HTTP_PORT'"`
	Prefix     string   `kong:"help='Path prefix for proxied traffic (overrides config).',env='HTTP_PREFIX'"`
	KeyPool    []string `kong:"name='key-pool',sep=',',help='Comma-separated upstream API keys (overrides config).',env='OAPI_KEY_POOL'"`
	AccessKey  string   `kong:"name='access-key',help='Shared access key callers must send as ?k= (overrides config).',env='APP_ACCESS_KEY'"`
	LogLevel   string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	Prefix       string          `toml:"prefix"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP inbound request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig holds the upstream key pool and the inbound access key.
type GatewayConfig struct {
	KeyPool   []string `toml:"key_pool"`
	AccessKey string   `toml:"access_key"` // empty disables the access check
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL          string `toml:"base_url"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`
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

// Load reads the TOML config file (if any) and applies CLI/env overrides.
// When no explicit path is given it searches /etc/oapi-gateway/config.toml
// then configs/config.toml. Without a file, overrides alone must supply
// the key pool.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
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
	if cli.Prefix != "" {
		c.Server.Prefix = cli.Prefix
	}
	if len(cli.KeyPool) > 0 {
		c.Gateway.KeyPool = cli.KeyPool
	}
	if cli.AccessKey != "" {
		c.Gateway.AccessKey = cli.AccessKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	var errs error

	pool := make([]string, 0, len(c.Gateway.KeyPool))
	for _, k := range c.Gateway.KeyPool {
		if k = strings.TrimSpace(k); k != "" {
			pool = append(pool, k)
		}
	}
	c.Gateway.KeyPool = pool
	if len(pool) == 0 {
		errs = multierr.Append(errs, ErrEmptyKeyPool)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	switch {
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url is not a valid URL: %w", err))
	case u.Scheme != "https" && u.Scheme != "http":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must be an http(s) URL; got %q", c.Upstream.BaseURL))
	case u.Host == "":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL))
	}

	if c.Server.Prefix != "" && c.Server.Prefix[0] != '/' {
		errs = multierr.Append(errs, fmt.Errorf("server.prefix must start with '/'; got %q", c.Server.Prefix))
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.MaxResponseBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes))
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Metrics.Enabled {
		if p := c.Metrics.Path; p[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		} else if strings.HasPrefix(p, c.Server.Prefix) {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with server.prefix %q", p, c.Server.Prefix))
		} else {
			for _, reserved := range ReservedRoutes {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
				}
			}
		}
	}

	return errs
}

// setDefaults fills zero-valued fields with defaults. TOML cannot tell an
// explicit 0 from an omitted key, so zero means "unset" for integers.
func (c *Config) setDefaults() {
	d := Default()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Prefix == "" {
		c.Server.Prefix = d.Server.Prefix
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = d.Server.BodyMaxBytes
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = d.Upstream.BaseURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = d.Upstream.TimeoutSeconds
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = d.Upstream.IdleConnections
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = d.Upstream.MaxResponseBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}
}

// Default returns a Config holding every default value and an empty key pool.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Prefix:       "/api",
			BodyMaxBytes: 1024 * 1024,
		},
		Gateway: GatewayConfig{KeyPool: []string{}},
		Upstream: UpstreamConfig{
			BaseURL:          DefaultUpstreamURL,
			TimeoutSeconds:   30,
			IdleConnections:  100,
			MaxResponseBytes: 32 * 1024 * 1024,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// WriteTemplate writes a TOML config holding the defaults to path. It refuses
// to overwrite an existing file.
func WriteTemplate(path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: encode template: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return f.Close()
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

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file holds upstream API keys.
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
