// Package config provides configuration management for the paper search gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "PAPERSEARCH"

// Config holds all configuration for the paper search gateway.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Defaults holds the resilience settings used when a platform does not override them.
	Defaults DefaultsConfig `mapstructure:"defaults"`
	// Platforms holds per-platform settings keyed by platform name.
	Platforms map[string]PlatformConfig `mapstructure:"platforms" validate:"dive"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the ops API port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the gRPC health port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console, pretty).
	Format string `mapstructure:"format" validate:"oneof=json console pretty"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path" validate:"startswith=/"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace" validate:"required"`
}

// DefaultsConfig holds the resilience settings shared by all platforms.
type DefaultsConfig struct {
	// RateLimit is the token refill rate in requests per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	// Burst is the token bucket capacity.
	Burst int `mapstructure:"burst" validate:"gte=1"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
	// InitialDelay is the base backoff delay.
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	// MaxDelay caps computed backoff delays.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	// CacheSize is the maximum number of cached responses per platform.
	CacheSize int `mapstructure:"cache_size" validate:"gte=1"`
	// CacheTTL is how long a cached response stays valid.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	// DailyLimit is the daily request allowance. Zero means unlimited.
	DailyLimit int `mapstructure:"daily_limit" validate:"gte=0"`
	// Timeout bounds each upstream HTTP request.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// UserAgent is sent with every upstream request.
	UserAgent string `mapstructure:"user_agent" validate:"required"`
	// Mirrors holds mirror probing defaults for mirrored platforms.
	Mirrors MirrorsConfig `mapstructure:"mirrors"`
}

// PlatformConfig holds the settings of one upstream platform.
// Zero values inherit from DefaultsConfig.
type PlatformConfig struct {
	// Enabled controls whether a gateway is built for this platform.
	Enabled bool `mapstructure:"enabled"`
	// APIKey is loaded from PAPERSEARCH_PLATFORMS_<NAME>_API_KEY only.
	APIKey string `mapstructure:"-"`
	// APIKeyHeader is the header carrying APIKey.
	APIKeyHeader string `mapstructure:"api_key_header"`
	// BaseURL is the API base URL. Ignored when Mirrors.URLs is set.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// Timeout bounds each upstream HTTP request.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// RateLimit is the token refill rate in requests per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	// Burst is the token bucket capacity.
	Burst int `mapstructure:"burst" validate:"gte=0"`
	// MaxRetries overrides the default retry count when set.
	MaxRetries *int `mapstructure:"max_retries" validate:"omitempty,gte=0"`
	// CacheTTL is how long a cached response stays valid.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	// DailyLimit overrides the default daily allowance when set. Zero means unlimited.
	DailyLimit *int `mapstructure:"daily_limit" validate:"omitempty,gte=0"`
	// DailyLimitEnv names an environment variable that overrides DailyLimit.
	DailyLimitEnv string `mapstructure:"daily_limit_env"`
	// Mirrors lists interchangeable hosts for mirrored platforms.
	Mirrors MirrorsConfig `mapstructure:"mirrors"`
}

// MirrorsConfig holds mirror list and probing settings.
type MirrorsConfig struct {
	// URLs lists the mirror base URLs in preference order.
	URLs []string `mapstructure:"urls" validate:"dive,url"`
	// ProbePath is requested on each mirror during health checks.
	ProbePath string `mapstructure:"probe_path"`
	// ProbeTimeout bounds each health probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gte=0"`
	// StaleAfter is how long probe results are reused.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gte=0"`
	// FailureThreshold is the consecutive failure count that demotes a mirror.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=0"`
	// MaxFailover is the maximum number of mirrors tried per request.
	MaxFailover int `mapstructure:"max_failover" validate:"gte=0"`
	// MonitorInterval is the background probe interval. Zero disables monitoring.
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"gte=0"`
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paper-search-gateway")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// APIKeyEnv returns the environment variable holding a platform's API key.
func APIKeyEnv(platform string) string {
	return EnvPrefix + "_PLATFORMS_" + strings.ToUpper(platform) + "_API_KEY"
}

// loadSecrets populates API keys exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	for name, p := range cfg.Platforms {
		p.APIKey = os.Getenv(APIKeyEnv(name))
		cfg.Platforms[name] = p
	}
}

// platformDefault is the compiled-in profile of a known platform.
type platformDefault struct {
	enabled       bool
	baseURL       string
	rateLimit     float64
	burst         int
	dailyLimit    int
	dailyLimitEnv string
	apiKeyHeader  string
	mirrors       []string
}

// knownPlatforms are the platforms the aggregator ships adapters for.
var knownPlatforms = map[string]platformDefault{
	"arxiv":            {enabled: true, baseURL: "https://export.arxiv.org/api", rateLimit: 3, burst: 1},
	"pubmed":           {enabled: true, baseURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils", rateLimit: 3, burst: 3, apiKeyHeader: "api-key"},
	"biorxiv":          {enabled: true, baseURL: "https://api.biorxiv.org", rateLimit: 5, burst: 5},
	"medrxiv":          {enabled: true, baseURL: "https://api.medrxiv.org", rateLimit: 5, burst: 5},
	"semantic_scholar": {enabled: true, baseURL: "https://api.semanticscholar.org/graph/v1", rateLimit: 1, burst: 1, apiKeyHeader: "x-api-key"},
	"openalex":         {enabled: true, baseURL: "https://api.openalex.org", rateLimit: 10, burst: 10, dailyLimit: 100000, dailyLimitEnv: "OPENALEX_DAILY_LIMIT"},
	"crossref":         {enabled: true, baseURL: "https://api.crossref.org", rateLimit: 50, burst: 50},
	"core":             {enabled: false, baseURL: "https://api.core.ac.uk/v3", rateLimit: 1, burst: 5, dailyLimit: 10000, dailyLimitEnv: "CORE_DAILY_LIMIT", apiKeyHeader: "Authorization"},
	"europepmc":        {enabled: true, baseURL: "https://www.ebi.ac.uk/europepmc/webservices/rest", rateLimit: 10, burst: 10},
	"scopus":           {enabled: false, baseURL: "https://api.elsevier.com/content", rateLimit: 5, burst: 5, dailyLimit: 20000, dailyLimitEnv: "SCOPUS_DAILY_LIMIT", apiKeyHeader: "X-ELS-APIKey"},
	"ieee":             {enabled: false, baseURL: "https://ieeexploreapi.ieee.org/api/v1", rateLimit: 10, burst: 10, dailyLimit: 200, dailyLimitEnv: "IEEE_DAILY_LIMIT"},
	"iacr":             {enabled: true, baseURL: "https://eprint.iacr.org", rateLimit: 1, burst: 2},
	"google_scholar":   {enabled: false, baseURL: "https://scholar.google.com", rateLimit: 0.2, burst: 1, dailyLimit: 100, dailyLimitEnv: "GOOGLE_SCHOLAR_DAILY_LIMIT"},
	"dblp": {enabled: true, rateLimit: 1, burst: 2, mirrors: []string{
		"https://dblp.org",
		"https://dblp.uni-trier.de",
		"https://dblp.dagstuhl.de",
	}},
}

// KnownPlatforms returns the names of the built-in platforms in sorted order.
func KnownPlatforms() []string {
	names := make([]string, 0, len(knownPlatforms))
	for name := range knownPlatforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "paper_search")

	// Resilience defaults
	v.SetDefault("defaults.rate_limit", 10.0)
	v.SetDefault("defaults.burst", 10)
	v.SetDefault("defaults.max_retries", 3)
	v.SetDefault("defaults.initial_delay", "1s")
	v.SetDefault("defaults.max_delay", "30s")
	v.SetDefault("defaults.cache_size", 1000)
	v.SetDefault("defaults.cache_ttl", "1h")
	v.SetDefault("defaults.daily_limit", 0)
	v.SetDefault("defaults.timeout", "30s")
	v.SetDefault("defaults.user_agent", "Helixir-PaperSearchGateway/1.0")
	v.SetDefault("defaults.mirrors.probe_path", "/")
	v.SetDefault("defaults.mirrors.probe_timeout", "5s")
	v.SetDefault("defaults.mirrors.stale_after", "5m")
	v.SetDefault("defaults.mirrors.failure_threshold", 3)
	v.SetDefault("defaults.mirrors.max_failover", 3)
	v.SetDefault("defaults.mirrors.monitor_interval", "0s")

	// Platform defaults. API keys are loaded exclusively from environment variables (see loadSecrets).
	for name, p := range knownPlatforms {
		prefix := "platforms." + name + "."
		v.SetDefault(prefix+"enabled", p.enabled)
		v.SetDefault(prefix+"base_url", p.baseURL)
		v.SetDefault(prefix+"rate_limit", p.rateLimit)
		v.SetDefault(prefix+"burst", p.burst)
		if p.dailyLimit > 0 {
			v.SetDefault(prefix+"daily_limit", p.dailyLimit)
		}
		v.SetDefault(prefix+"daily_limit_env", p.dailyLimitEnv)
		v.SetDefault(prefix+"api_key_header", p.apiKeyHeader)
		v.SetDefault(prefix+"timeout", "0s")
		v.SetDefault(prefix+"cache_ttl", "0s")
		if len(p.mirrors) > 0 {
			v.SetDefault(prefix+"mirrors.urls", p.mirrors)
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", fe.Namespace(), fe.Tag())
		}
		return err
	}

	// Validate resolved platform settings
	for _, name := range c.PlatformNames() {
		p := c.Platform(name)
		if p.Enabled && p.BaseURL == "" && len(p.Mirrors.URLs) == 0 {
			return fmt.Errorf("platform %q requires base_url or mirrors.urls", name)
		}
	}

	return nil
}

// PlatformNames returns the configured platform names in sorted order.
func (c *Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Platform returns the settings of a platform with every zero or unset value
// replaced by the corresponding default.
func (c *Config) Platform(name string) PlatformConfig {
	p := c.Platforms[name]
	d := c.Defaults

	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if p.RateLimit == 0 {
		p.RateLimit = d.RateLimit
	}
	if p.Burst == 0 {
		p.Burst = d.Burst
	}
	if p.MaxRetries == nil {
		retries := d.MaxRetries
		p.MaxRetries = &retries
	}
	if p.CacheTTL == 0 {
		p.CacheTTL = d.CacheTTL
	}
	if p.DailyLimit == nil {
		limit := d.DailyLimit
		p.DailyLimit = &limit
	}

	m := &p.Mirrors
	if m.ProbePath == "" {
		m.ProbePath = d.Mirrors.ProbePath
	}
	if m.ProbeTimeout == 0 {
		m.ProbeTimeout = d.Mirrors.ProbeTimeout
	}
	if m.StaleAfter == 0 {
		m.StaleAfter = d.Mirrors.StaleAfter
	}
	if m.FailureThreshold == 0 {
		m.FailureThreshold = d.Mirrors.FailureThreshold
	}
	if m.MaxFailover == 0 {
		m.MaxFailover = d.Mirrors.MaxFailover
	}
	if m.MonitorInterval == 0 {
		m.MonitorInterval = d.Mirrors.MonitorInterval
	}

	return p
}
