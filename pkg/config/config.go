package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultHostVersion is the host version plugins are checked against when
// HANGAR_HOST_VERSION is unset.
const DefaultHostVersion = "1.0.0"

// Registry drivers
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DefaultMarketplaceURLs are queried when no repositories are configured.
var DefaultMarketplaceURLs = []string{
	"https://plugins.hangar.dev/api",
	"https://community.hangar.dev/api",
}

// SystemPluginDir is the machine-wide search root.
var SystemPluginDir = "/usr/share/hangar/plugins"

// Config holds all application configuration
type Config struct {
	// Home is the state directory. Install root, temp, data, staging and the
	// file registry live beneath it.
	Home string `yaml:"home"`

	// PluginPath is the ordered list of discovery search roots. Earlier
	// entries take precedence.
	PluginPath []string `yaml:"plugin_path"`

	HostVersion string `yaml:"host_version"`
	Workers     int    `yaml:"workers"`

	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Validation    ValidationConfig    `yaml:"validation"`
	Registry      RegistryConfig      `yaml:"registry"`
	Marketplace   MarketplaceConfig   `yaml:"marketplace"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SandboxConfig holds the host-wide sandbox ceilings
type SandboxConfig struct {
	MaxCPU      time.Duration `yaml:"max_cpu"`
	MaxMemory   ByteSize      `yaml:"max_memory"`
	MaxFileSize ByteSize      `yaml:"max_file_size"`
}

// ValidationConfig holds validator settings
type ValidationConfig struct {
	Strict            bool     `yaml:"strict"`
	MaxPackageSize    ByteSize `yaml:"max_package_size"`
	MaxSourceFileSize ByteSize `yaml:"max_source_file_size"`
}

// RegistryConfig selects the registry backing store
type RegistryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MarketplaceConfig holds repository and update settings
type MarketplaceConfig struct {
	URLs  []string `yaml:"urls"`
	Token string   `yaml:"token"`

	// OAuth2 client credentials
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`

	Timeout         time.Duration `yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RedisURL        string        `yaml:"redis_url"`

	// UpdateSchedule is a cron expression; empty disables scheduled checks.
	UpdateSchedule string `yaml:"update_schedule"`
	AutoUpdate     bool   `yaml:"auto_update"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Root is a named discovery search root
type Root struct {
	Name string
	Path string
}

// Default returns the configuration used before any file or environment is applied.
func Default() *Config {
	limits := plugins.DefaultLimits()
	return &Config{
		Home:        defaultHome(),
		HostVersion: DefaultHostVersion,
		Workers:     runtime.NumCPU(),
		Sandbox: SandboxConfig{
			MaxCPU:      limits.MaxCPUTime,
			MaxMemory:   ByteSize(limits.MaxMemory),
			MaxFileSize: ByteSize(limits.MaxFileSize),
		},
		Validation: ValidationConfig{
			MaxPackageSize:    ByteSize(plugins.DefaultMaxPackageSize),
			MaxSourceFileSize: ByteSize(plugins.DefaultMaxSourceSize),
		},
		Registry: RegistryConfig{
			Driver: DriverFile,
		},
		Marketplace: MarketplaceConfig{
			URLs:            append([]string(nil), DefaultMarketplaceURLs...),
			Timeout:         30 * time.Second,
			DownloadTimeout: 5 * time.Minute,
			CacheTTL:        time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "text",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "hangar",
			OTelServiceVersion: DefaultHostVersion,
			OTelInsecure:       true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and HANGAR_* environment variables, in that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("HANGAR_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile layers a YAML file over the current values
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadEnv applies HANGAR_* variables over the current values
func (c *Config) loadEnv() {
	c.Home = getEnv("HANGAR_HOME", c.Home)
	if paths := getEnvList("HANGAR_PLUGIN_PATH", string(os.PathListSeparator), nil); len(paths) > 0 {
		c.PluginPath = paths
	}
	c.HostVersion = getEnv("HANGAR_HOST_VERSION", c.HostVersion)
	c.Workers = getEnvInt("HANGAR_WORKERS", c.Workers)

	c.Sandbox.MaxCPU = getEnvDuration("HANGAR_SANDBOX_MAX_CPU", c.Sandbox.MaxCPU)
	c.Sandbox.MaxMemory = getEnvSize("HANGAR_SANDBOX_MAX_MEMORY", c.Sandbox.MaxMemory)
	c.Sandbox.MaxFileSize = getEnvSize("HANGAR_SANDBOX_MAX_FILE_SIZE", c.Sandbox.MaxFileSize)

	c.Validation.Strict = getEnvBool("HANGAR_STRICT", c.Validation.Strict)
	c.Validation.MaxPackageSize = getEnvSize("HANGAR_MAX_PACKAGE_SIZE", c.Validation.MaxPackageSize)
	c.Validation.MaxSourceFileSize = getEnvSize("HANGAR_MAX_SOURCE_FILE_SIZE", c.Validation.MaxSourceFileSize)

	c.Registry.Driver = getEnv("HANGAR_REGISTRY_DRIVER", c.Registry.Driver)
	c.Registry.DSN = getEnv("HANGAR_REGISTRY_DSN", c.Registry.DSN)

	c.Marketplace.URLs = getEnvList("HANGAR_MARKETPLACE_URLS", ",", c.Marketplace.URLs)
	c.Marketplace.Token = getEnv("HANGAR_MARKETPLACE_TOKEN", c.Marketplace.Token)
	c.Marketplace.ClientID = getEnv("HANGAR_MARKETPLACE_CLIENT_ID", c.Marketplace.ClientID)
	c.Marketplace.ClientSecret = getEnv("HANGAR_MARKETPLACE_CLIENT_SECRET", c.Marketplace.ClientSecret)
	c.Marketplace.TokenURL = getEnv("HANGAR_MARKETPLACE_TOKEN_URL", c.Marketplace.TokenURL)
	c.Marketplace.Timeout = getEnvDuration("HANGAR_MARKETPLACE_TIMEOUT", c.Marketplace.Timeout)
	c.Marketplace.DownloadTimeout = getEnvDuration("HANGAR_MARKETPLACE_DOWNLOAD_TIMEOUT", c.Marketplace.DownloadTimeout)
	c.Marketplace.CacheTTL = getEnvDuration("HANGAR_MARKETPLACE_CACHE_TTL", c.Marketplace.CacheTTL)
	c.Marketplace.RedisURL = getEnv("HANGAR_REDIS_URL", c.Marketplace.RedisURL)
	c.Marketplace.UpdateSchedule = getEnv("HANGAR_UPDATE_SCHEDULE", c.Marketplace.UpdateSchedule)
	c.Marketplace.AutoUpdate = getEnvBool("HANGAR_AUTO_UPDATE", c.Marketplace.AutoUpdate)

	c.Observability.LogLevel = getEnv("HANGAR_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("HANGAR_LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsEnabled = getEnvBool("HANGAR_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("HANGAR_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("HANGAR_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelInsecure = getEnvBool("HANGAR_OTEL_INSECURE", c.Observability.OTelInsecure)
}

// finalize expands paths and fills values derived from Home
func (c *Config) finalize() {
	c.Home = expandHome(c.Home)
	for i, p := range c.PluginPath {
		c.PluginPath[i] = expandHome(p)
	}
	if c.Registry.Driver == DriverFile && c.Registry.DSN == "" {
		c.Registry.DSN = c.RegistryPath()
	}
	if c.Registry.Driver == DriverFile {
		c.Registry.DSN = expandHome(c.Registry.DSN)
	}
}

// SetHome moves the state directory. Derived paths follow unless they were set explicitly.
func (c *Config) SetHome(home string) {
	if c.Registry.Driver == DriverFile && c.Registry.DSN == c.RegistryPath() {
		c.Registry.DSN = ""
	}
	c.Home = home
	c.finalize()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if _, err := semver.StrictNewVersion(c.HostVersion); err != nil {
		return fmt.Errorf("invalid host version %q: %w", c.HostVersion, err)
	}

	// Validate sandbox ceilings
	if c.Sandbox.MaxCPU <= 0 {
		return fmt.Errorf("sandbox max cpu must be positive")
	}
	if c.Sandbox.MaxMemory <= 0 || c.Sandbox.MaxFileSize <= 0 {
		return fmt.Errorf("sandbox memory and file size limits must be positive")
	}
	if c.Validation.MaxPackageSize <= 0 || c.Validation.MaxSourceFileSize <= 0 {
		return fmt.Errorf("validation size limits must be positive")
	}

	// Validate registry config based on driver
	switch c.Registry.Driver {
	case DriverFile:
	case DriverSQLite, DriverPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry DSN is required for %s registry", c.Registry.Driver)
		}
	default:
		return fmt.Errorf("invalid registry driver: %s (must be file, sqlite3, or postgres)", c.Registry.Driver)
	}

	// Validate marketplace config
	for _, raw := range c.Marketplace.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid marketplace URL %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "s3":
		default:
			return fmt.Errorf("invalid marketplace URL %q: scheme must be http, https, or s3", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid marketplace URL %q: missing host", raw)
		}
	}
	if c.Marketplace.ClientID != "" && (c.Marketplace.ClientSecret == "" || c.Marketplace.TokenURL == "") {
		return fmt.Errorf("marketplace client secret and token URL are required with a client ID")
	}
	if c.Marketplace.Timeout <= 0 || c.Marketplace.DownloadTimeout <= 0 {
		return fmt.Errorf("marketplace timeouts must be positive")
	}
	if c.Marketplace.UpdateSchedule != "" {
		if _, err := cron.ParseStandard(c.Marketplace.UpdateSchedule); err != nil {
			return fmt.Errorf("invalid update schedule %q: %w", c.Marketplace.UpdateSchedule, err)
		}
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// InstallRoot is where installed plugins live
func (c *Config) InstallRoot() string { return filepath.Join(c.Home, "plugins") }

// TempRoot holds per-plugin scratch directories
func (c *Config) TempRoot() string { return filepath.Join(c.Home, "tmp") }

// DataDir holds persistent plugin data
func (c *Config) DataDir() string { return filepath.Join(c.Home, "data") }

// StagingDir receives extracted archives
func (c *Config) StagingDir() string { return filepath.Join(c.Home, "staging") }

// RegistryPath is the file registry location
func (c *Config) RegistryPath() string { return filepath.Join(c.Home, "registry.json") }

// Limits returns the sandbox ceilings
func (c *Config) Limits() plugins.Limits {
	return plugins.Limits{
		MaxCPUTime:  c.Sandbox.MaxCPU,
		MaxMemory:   int64(c.Sandbox.MaxMemory),
		MaxFileSize: int64(c.Sandbox.MaxFileSize),
	}
}

// HostSemVer returns the parsed host version. Validate guarantees it parses.
func (c *Config) HostSemVer() *semver.Version {
	v, err := semver.StrictNewVersion(c.HostVersion)
	if err != nil {
		return semver.MustParse(DefaultHostVersion)
	}
	return v
}

// SearchRoots returns the discovery roots in precedence order. Without an
// explicit plugin path these are the system, user and local directories.
func (c *Config) SearchRoots() []Root {
	if len(c.PluginPath) > 0 {
		roots := make([]Root, 0, len(c.PluginPath))
		for _, p := range c.PluginPath {
			roots = append(roots, Root{Name: p, Path: p})
		}
		return roots
	}
	return []Root{
		{Name: "system", Path: SystemPluginDir},
		{Name: "user", Path: c.InstallRoot()},
		{Name: "local", Path: "plugins"},
	}
}

// ByteSize is a size in bytes that also accepts strings like "10MB" or "512KiB".
type ByteSize int64

// UnmarshalYAML accepts either an integer or a size string
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	n, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with the largest whole unit
func (b ByteSize) String() string {
	n := int64(b)
	for _, u := range []struct {
		suffix string
		size   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}} {
		if n >= u.size && n%u.size == 0 {
			return fmt.Sprintf("%d%s", n/u.size, u.suffix)
		}
	}
	return strconv.FormatInt(n, 10)
}

// ParseSize parses a byte count with an optional B, KB, MB or GB suffix.
// Units are binary; the KiB spellings are accepted as well.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		size   int64
	}{
		{"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
		{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10}, {"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.size
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".hangar"
	}
	return filepath.Join(home, ".hangar")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvSize returns a size environment variable or a default
func getEnvSize(key string, defaultValue ByteSize) ByteSize {
	if value := os.Getenv(key); value != "" {
		if n, err := ParseSize(value); err == nil {
			return ByteSize(n)
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits an environment variable on sep, dropping empty items
func getEnvList(key, sep string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
