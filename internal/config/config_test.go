package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing env vars that might interfere
	clearEnvVars(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "paper_search", cfg.Metrics.Namespace)

	// Resilience defaults
	assert.Equal(t, 10.0, cfg.Defaults.RateLimit)
	assert.Equal(t, 10, cfg.Defaults.Burst)
	assert.Equal(t, 3, cfg.Defaults.MaxRetries)
	assert.Equal(t, time.Second, cfg.Defaults.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Defaults.MaxDelay)
	assert.Equal(t, 1000, cfg.Defaults.CacheSize)
	assert.Equal(t, time.Hour, cfg.Defaults.CacheTTL)
	assert.Equal(t, 0, cfg.Defaults.DailyLimit)
	assert.Equal(t, 5*time.Second, cfg.Defaults.Mirrors.ProbeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Defaults.Mirrors.StaleAfter)
	assert.Equal(t, 3, cfg.Defaults.Mirrors.FailureThreshold)
	assert.Equal(t, 3, cfg.Defaults.Mirrors.MaxFailover)

	// Platform defaults
	assert.Equal(t, KnownPlatforms(), cfg.PlatformNames())
	assert.True(t, cfg.Platforms["arxiv"].Enabled)
	assert.False(t, cfg.Platforms["scopus"].Enabled) // Requires API key
	require.NotNil(t, cfg.Platforms["scopus"].DailyLimit)
	assert.Equal(t, 20000, *cfg.Platforms["scopus"].DailyLimit)
	assert.Nil(t, cfg.Platforms["arxiv"].DailyLimit)
	assert.Equal(t, "SCOPUS_DAILY_LIMIT", cfg.Platforms["scopus"].DailyLimitEnv)
	assert.Equal(t, "https://api.openalex.org", cfg.Platforms["openalex"].BaseURL)
	assert.Len(t, cfg.Platforms["dblp"].Mirrors.URLs, 3)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	clearEnvVars(t)

	// Set environment variables with PAPERSEARCH prefix
	t.Setenv("PAPERSEARCH_SERVER_HTTP_PORT", "8888")
	t.Setenv("PAPERSEARCH_SERVER_GRPC_PORT", "9999")
	t.Setenv("PAPERSEARCH_LOGGING_LEVEL", "debug")
	t.Setenv("PAPERSEARCH_DEFAULTS_MAX_RETRIES", "5")
	t.Setenv("PAPERSEARCH_DEFAULTS_CACHE_TTL", "10m")
	t.Setenv("PAPERSEARCH_PLATFORMS_ARXIV_RATE_LIMIT", "0.5")
	t.Setenv("PAPERSEARCH_PLATFORMS_SCOPUS_ENABLED", "true")
	t.Setenv("PAPERSEARCH_PLATFORMS_DBLP_MIRRORS_URLS", "https://a.example.org,https://b.example.org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 9999, cfg.Server.GRPCPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Defaults.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Defaults.CacheTTL)
	assert.Equal(t, 0.5, cfg.Platforms["arxiv"].RateLimit)
	assert.True(t, cfg.Platforms["scopus"].Enabled)
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org"}, cfg.Platforms["dblp"].Mirrors.URLs)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnvVars(t)

	dir := t.TempDir()
	content := `
logging:
  level: warn
platforms:
  arxiv:
    max_retries: 0
    cache_ttl: 15m
  zenodo:
    enabled: true
    base_url: https://zenodo.org/api
    rate_limit: 2
    daily_limit: 500
  scopus:
    daily_limit: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)

	arxiv := cfg.Platform("arxiv")
	require.NotNil(t, arxiv.MaxRetries)
	assert.Equal(t, 0, *arxiv.MaxRetries)
	assert.Equal(t, 15*time.Minute, arxiv.CacheTTL)
	assert.Equal(t, "https://export.arxiv.org/api", arxiv.BaseURL)

	zenodo := cfg.Platform("zenodo")
	assert.True(t, zenodo.Enabled)
	assert.Equal(t, 2.0, zenodo.RateLimit)
	require.NotNil(t, zenodo.DailyLimit)
	assert.Equal(t, 500, *zenodo.DailyLimit)
	assert.Contains(t, cfg.PlatformNames(), "zenodo")

	scopus := cfg.Platform("scopus")
	require.NotNil(t, scopus.DailyLimit)
	assert.Equal(t, 0, *scopus.DailyLimit, "explicit zero lifts the built-in limit")
}

func TestLoad_APIKeysFromEnvOnly(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("PAPERSEARCH_PLATFORMS_SEMANTIC_SCHOLAR_API_KEY", "ss-key-test")
	t.Setenv("PAPERSEARCH_PLATFORMS_SCOPUS_API_KEY", "scopus-key-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ss-key-test", cfg.Platforms["semantic_scholar"].APIKey)
	assert.Equal(t, "scopus-key-test", cfg.Platforms["scopus"].APIKey)

	// Unset keys should be empty.
	assert.Empty(t, cfg.Platforms["pubmed"].APIKey)
}

func TestAPIKeyEnv(t *testing.T) {
	assert.Equal(t, "PAPERSEARCH_PLATFORMS_GOOGLE_SCHOLAR_API_KEY", APIKeyEnv("google_scholar"))
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectedErr string
	}{
		{
			name: "HTTP port zero",
			modifyFunc: func(c *Config) {
				c.Server.HTTPPort = 0
			},
			expectedErr: "invalid HTTP port: 0",
		},
		{
			name: "HTTP port too high",
			modifyFunc: func(c *Config) {
				c.Server.HTTPPort = 70000
			},
			expectedErr: "invalid HTTP port: 70000",
		},
		{
			name: "gRPC port too high",
			modifyFunc: func(c *Config) {
				c.Server.GRPCPort = 65536
			},
			expectedErr: "invalid gRPC port: 65536",
		},
		{
			name: "metrics port invalid",
			modifyFunc: func(c *Config) {
				c.Server.MetricsPort = -5
			},
			expectedErr: "invalid metrics port: -5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modifyFunc(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestValidate_LogLevel(t *testing.T) {
	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
	for _, level := range validLevels {
		t.Run("valid_"+level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = level
			err := cfg.Validate()
			assert.NoError(t, err)
		})
	}

	t.Run("invalid log level", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "invalid"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level: invalid")
	})
}

func TestValidate_StructRules(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectedErr string
	}{
		{
			name:        "unknown log format",
			modifyFunc:  func(c *Config) { c.Logging.Format = "xml" },
			expectedErr: "Config.Logging.Format",
		},
		{
			name:        "zero default rate",
			modifyFunc:  func(c *Config) { c.Defaults.RateLimit = 0 },
			expectedErr: "Config.Defaults.RateLimit",
		},
		{
			name:        "zero burst",
			modifyFunc:  func(c *Config) { c.Defaults.Burst = 0 },
			expectedErr: "Config.Defaults.Burst",
		},
		{
			name: "max delay below initial delay",
			modifyFunc: func(c *Config) {
				c.Defaults.InitialDelay = time.Minute
				c.Defaults.MaxDelay = time.Second
			},
			expectedErr: "Config.Defaults.MaxDelay",
		},
		{
			name:        "negative daily limit",
			modifyFunc:  func(c *Config) { c.Defaults.DailyLimit = -1 },
			expectedErr: "Config.Defaults.DailyLimit",
		},
		{
			name: "negative platform daily limit",
			modifyFunc: func(c *Config) {
				limit := -1
				p := c.Platforms["arxiv"]
				p.DailyLimit = &limit
				c.Platforms["arxiv"] = p
			},
			expectedErr: "DailyLimit",
		},
		{
			name: "malformed platform url",
			modifyFunc: func(c *Config) {
				p := c.Platforms["arxiv"]
				p.BaseURL = "not a url"
				c.Platforms["arxiv"] = p
			},
			expectedErr: "BaseURL",
		},
		{
			name: "malformed mirror url",
			modifyFunc: func(c *Config) {
				p := c.Platforms["dblp"]
				p.Mirrors.URLs = []string{"https://dblp.org", "::"}
				c.Platforms["dblp"] = p
			},
			expectedErr: "URLs[1]",
		},
		{
			name: "enabled platform without endpoint",
			modifyFunc: func(c *Config) {
				c.Platforms["empty"] = PlatformConfig{Enabled: true}
			},
			expectedErr: `platform "empty" requires base_url or mirrors.urls`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modifyFunc(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestConfig_Platform(t *testing.T) {
	t.Run("zero values inherit defaults", func(t *testing.T) {
		cfg := validConfig()

		p := cfg.Platform("arxiv")
		assert.Equal(t, 3.0, p.RateLimit)
		assert.Equal(t, 10, p.Burst)
		require.NotNil(t, p.MaxRetries)
		assert.Equal(t, 3, *p.MaxRetries)
		assert.Equal(t, time.Hour, p.CacheTTL)
		assert.Equal(t, 30*time.Second, p.Timeout)
		assert.Equal(t, 5*time.Second, p.Mirrors.ProbeTimeout)
		assert.Equal(t, 3, p.Mirrors.MaxFailover)
	})

	t.Run("explicit zero retries is kept", func(t *testing.T) {
		cfg := validConfig()
		zero := 0
		p := cfg.Platforms["arxiv"]
		p.MaxRetries = &zero
		cfg.Platforms["arxiv"] = p

		resolved := cfg.Platform("arxiv")
		require.NotNil(t, resolved.MaxRetries)
		assert.Equal(t, 0, *resolved.MaxRetries)
	})

	t.Run("unknown platform is all defaults", func(t *testing.T) {
		cfg := validConfig()
		p := cfg.Platform("missing")
		assert.False(t, p.Enabled)
		assert.Equal(t, 10.0, p.RateLimit)
		require.NotNil(t, p.DailyLimit)
		assert.Equal(t, 0, *p.DailyLimit)
	})

	t.Run("unset daily limit inherits the default", func(t *testing.T) {
		cfg := validConfig()
		cfg.Defaults.DailyLimit = 1000

		p := cfg.Platform("arxiv")
		require.NotNil(t, p.DailyLimit)
		assert.Equal(t, 1000, *p.DailyLimit)
	})

	t.Run("explicit zero daily limit stays unlimited", func(t *testing.T) {
		cfg := validConfig()
		cfg.Defaults.DailyLimit = 1000
		zero := 0
		p := cfg.Platforms["arxiv"]
		p.DailyLimit = &zero
		cfg.Platforms["arxiv"] = p

		resolved := cfg.Platform("arxiv")
		require.NotNil(t, resolved.DailyLimit)
		assert.Equal(t, 0, *resolved.DailyLimit)
		assert.Nil(t, cfg.Platforms["missing"].DailyLimit)
	})

	t.Run("does not mutate the stored config", func(t *testing.T) {
		cfg := validConfig()
		_ = cfg.Platform("arxiv")
		assert.Equal(t, 0, cfg.Platforms["arxiv"].Burst)
		assert.Nil(t, cfg.Platforms["arxiv"].MaxRetries)
	})
}

func TestKnownPlatforms(t *testing.T) {
	names := KnownPlatforms()
	assert.Len(t, names, 14)
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "semantic_scholar")
	assert.Contains(t, names, "google_scholar")
}

func TestServerConfig_Addresses(t *testing.T) {
	cfg := ServerConfig{
		Host:        "127.0.0.1",
		HTTPPort:    8080,
		GRPCPort:    9090,
		MetricsPort: 9091,
	}
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddress())
	assert.Equal(t, "127.0.0.1:9090", cfg.GRPCAddress())
	assert.Equal(t, "127.0.0.1:9091", cfg.MetricsAddress())
}

// clearEnvVars removes all PAPERSEARCH_ prefixed environment variables for
// the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		key, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(key, EnvPrefix+"_") {
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
	}
}

// validConfig returns a valid configuration for testing
func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			GRPCPort:    9090,
			MetricsPort: 9091,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "paper_search",
		},
		Defaults: DefaultsConfig{
			RateLimit:    10,
			Burst:        10,
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			CacheSize:    1000,
			CacheTTL:     time.Hour,
			Timeout:      30 * time.Second,
			UserAgent:    "test-agent",
			Mirrors: MirrorsConfig{
				ProbePath:        "/",
				ProbeTimeout:     5 * time.Second,
				StaleAfter:       5 * time.Minute,
				FailureThreshold: 3,
				MaxFailover:      3,
			},
		},
		Platforms: map[string]PlatformConfig{
			"arxiv": {Enabled: true, BaseURL: "https://export.arxiv.org/api", RateLimit: 3},
			"dblp":  {Enabled: true, Mirrors: MirrorsConfig{URLs: []string{"https://dblp.org"}}},
		},
	}
}
