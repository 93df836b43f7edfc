// Package config handles configuration loading and validation.
//
// Values come from an optional TOML file, overridden by environment variables
// and command-line flags parsed by Kong.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/push-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and never forwarded upstream.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
// The upstream and path settings keep the environment names used by existing deployments.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	ProxyDomain     string `kong:"help='Public hostname clients use to reach the proxy.',env='PROXY_DOMAIN'"`
	MainDomain      string `kong:"help='Main site domain (informational).',env='MAIN_DOMAIN'"`
	SDKHost         string `kong:"name='sdk-host',help='Upstream host for SDK scripts.',env='ONESIGNAL_CDN'"`
	APIHost         string `kong:"name='api-host',help='Upstream host for API calls.',env='ONESIGNAL_API'"`
	ImageHost       string `kong:"help='Upstream host for images.',env='ONESIGNAL_IMG'"`
	SDKPathPrefix   string `kong:"name='sdk-path-prefix',help='Path prefix of SDK asset requests.',env='SDK_PATH_PREFIX'"`
	LocalSWPath     string `kong:"name='local-sw-path',help='Path prefix of the local service worker.',env='LOCAL_SW_PATH'"`
	LocalSWFilename string `kong:"name='local-sw-filename',help='Filename of the local service worker.',env='LOCAL_SW_FILENAME'"`
	SDKFilename     string `kong:"name='sdk-filename',help='SDK script filename (informational).',env='SDK_FILENAME'"`
	SWFilename      string `kong:"name='sw-filename',help='Upstream service worker filename imported by the stub.',env='SW_FILENAME'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

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

// ProxyConfig describes the public side of the proxy and its path layout.
type ProxyConfig struct {
	Domain          string `toml:"domain"`
	MainDomain      string `toml:"main_domain"`
	SDKPathPrefix   string `toml:"sdk_path_prefix"`
	LocalSWPath     string `toml:"local_sw_path"`
	LocalSWFilename string `toml:"local_sw_filename"`
	SDKFilename     string `toml:"sdk_filename"`
	SWFilename      string `toml:"sw_filename"`
}

// UpstreamConfig holds the upstream hosts and connection settings.
type UpstreamConfig struct {
	SDKHost         string `toml:"sdk_host"`
	APIHost         string `toml:"api_host"`
	ImageHost       string `toml:"image_host"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// RewriteConfig holds the literal identifiers replaced in proxied scripts.
type RewriteConfig struct {
	SDKToken         string `toml:"sdk_token"`
	SDKReplacement   string `toml:"sdk_replacement"`
	Brand            string `toml:"brand"`
	BrandReplacement string `toml:"brand_replacement"`
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

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Load reads the TOML config file, if any, and applies environment and CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise
// /etc/push-proxy/config.toml then configs/config.toml are searched, and when
// neither exists the configuration comes from environment and flags alone.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	overrides := []struct {
		dst *string
		src string
	}{
		{&c.Server.Host, cli.Host},
		{&c.Log.Level, cli.LogLevel},
		{&c.Proxy.Domain, cli.ProxyDomain},
		{&c.Proxy.MainDomain, cli.MainDomain},
		{&c.Proxy.SDKPathPrefix, cli.SDKPathPrefix},
		{&c.Proxy.LocalSWPath, cli.LocalSWPath},
		{&c.Proxy.LocalSWFilename, cli.LocalSWFilename},
		{&c.Proxy.SDKFilename, cli.SDKFilename},
		{&c.Proxy.SWFilename, cli.SWFilename},
		{&c.Upstream.SDKHost, cli.SDKHost},
		{&c.Upstream.APIHost, cli.APIHost},
		{&c.Upstream.ImageHost, cli.ImageHost},
	}
	for _, o := range overrides {
		if o.src != "" {
			*o.dst = o.src
		}
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
}

func (c *Config) validate() error {
	if c.Proxy.Domain == "" {
		return errors.New("proxy.domain (PROXY_DOMAIN) is required")
	}
	if err := validateHost("proxy.domain", c.Proxy.Domain); err != nil {
		return err
	}

	// Upstream hosts: required, bare host[:port].
	for _, h := range []struct{ key, val string }{
		{"upstream.sdk_host (ONESIGNAL_CDN)", c.Upstream.SDKHost},
		{"upstream.api_host (ONESIGNAL_API)", c.Upstream.APIHost},
		{"upstream.image_host (ONESIGNAL_IMG)", c.Upstream.ImageHost},
	} {
		if h.val == "" {
			return fmt.Errorf("%s is required", h.key)
		}
		if err := validateHost(h.key, h.val); err != nil {
			return err
		}
	}

	// Path layout.
	for _, p := range []struct{ key, val string }{
		{"proxy.sdk_path_prefix (SDK_PATH_PREFIX)", c.Proxy.SDKPathPrefix},
		{"proxy.local_sw_path (LOCAL_SW_PATH)", c.Proxy.LocalSWPath},
	} {
		if p.val == "" {
			return fmt.Errorf("%s is required", p.key)
		}
		if p.val[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", p.key, p.val)
		}
	}
	if c.Proxy.LocalSWFilename == "" {
		return errors.New("proxy.local_sw_filename (LOCAL_SW_FILENAME) is required")
	}
	if c.Proxy.SWFilename == "" {
		return errors.New("proxy.sw_filename (SW_FILENAME) is required")
	}
	for _, reserved := range reservedRoutes {
		if hasRoutePrefix(reserved, c.Proxy.SDKPathPrefix) {
			return fmt.Errorf("proxy.sdk_path_prefix %q shadows reserved route %q", c.Proxy.SDKPathPrefix, reserved)
		}
	}

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
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if hasRoutePrefix(p, reserved) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHost accepts host or host:port with no scheme, path or query.
func validateHost(key, v string) error {
	if strings.ContainsAny(v, "/?#@ ") {
		return fmt.Errorf("%s must be a bare host name; got %q", key, v)
	}
	host := v
	if h, _, err := net.SplitHostPort(v); err == nil {
		host = h
	}
	if host == "" {
		return fmt.Errorf("%s has an empty host; got %q", key, v)
	}
	return nil
}

// hasRoutePrefix reports whether path equals prefix or lies below it.
func hasRoutePrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
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
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Rewrite.SDKToken == "" {
		c.Rewrite.SDKToken = "OneSignalSDK"
	}
	if c.Rewrite.SDKReplacement == "" {
		c.Rewrite.SDKReplacement = "PushSDK"
	}
	if c.Rewrite.Brand == "" {
		c.Rewrite.Brand = "OneSignal"
	}
	if c.Rewrite.BrandReplacement == "" {
		c.Rewrite.BrandReplacement = "PushService"
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
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "push-proxy"
	}
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
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FilePath returns the config file that was loaded, or empty when none was.
func (c *Config) FilePath() string {
	return c.filePath
}
