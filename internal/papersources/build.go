package papersources

import (
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-search-gateway/internal/cache"
	"github.com/helixir/paper-search-gateway/internal/config"
	"github.com/helixir/paper-search-gateway/internal/mirrors"
	"github.com/helixir/paper-search-gateway/internal/observability"
	"github.com/helixir/paper-search-gateway/internal/quota"
	"github.com/helixir/paper-search-gateway/internal/ratelimit"
	"github.com/helixir/paper-search-gateway/internal/retry"
)

// Dependencies are shared by every gateway built from configuration.
type Dependencies struct {
	// Ledger is the process-wide quota ledger. Required.
	Ledger *quota.Ledger
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
	// Metrics defaults to an unregistered metrics set.
	Metrics *observability.Metrics
}

// GatewayConfigFor converts the resolved settings of a platform into a GatewayConfig.
func GatewayConfigFor(cfg *config.Config, platform string) GatewayConfig {
	p := cfg.Platform(platform)

	return GatewayConfig{
		Platform: platform,
		BaseURL:  p.BaseURL,
		Limiter: ratelimit.Config{
			Capacity:   p.Burst,
			RefillRate: p.RateLimit,
		},
		Retry: retry.Options{
			MaxRetries:   *p.MaxRetries,
			InitialDelay: cfg.Defaults.InitialDelay,
			MaxDelay:     cfg.Defaults.MaxDelay,
		},
		Cache: cache.Config{
			MaxSize: cfg.Defaults.CacheSize,
			TTL:     p.CacheTTL,
		},
		DailyLimit:    *p.DailyLimit,
		DailyLimitEnv: p.DailyLimitEnv,
		HTTP: HTTPClientConfig{
			Timeout:      p.Timeout,
			UserAgent:    cfg.Defaults.UserAgent,
			APIKey:       p.APIKey,
			APIKeyHeader: p.APIKeyHeader,
		},
	}
}

// MirrorConfigFor converts the resolved mirror settings of a platform into a mirrors.Config.
func MirrorConfigFor(cfg *config.Config, platform string) mirrors.Config {
	m := cfg.Platform(platform).Mirrors

	return mirrors.Config{
		ProbeTimeout:     m.ProbeTimeout,
		StaleAfter:       m.StaleAfter,
		FailureThreshold: m.FailureThreshold,
		MaxFailover:      m.MaxFailover,
	}
}

// BuildRegistry creates a gateway for every enabled platform in cfg.
// Platforms with mirror URLs get a mirror registry probed over HTTP.
func BuildRegistry(cfg *config.Config, deps Dependencies) (*Registry, error) {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	registry := NewRegistry()
	for _, name := range cfg.PlatformNames() {
		p := cfg.Platform(name)
		if !p.Enabled {
			continue
		}

		opts := []GatewayOption{
			WithGatewayClock(clock),
			WithGatewayLogger(logger),
		}
		if deps.Metrics != nil {
			opts = append(opts, WithGatewayMetrics(deps.Metrics))
		}

		if len(p.Mirrors.URLs) > 0 {
			prober := mirrors.NewHTTPProber(&http.Client{},
				mirrors.WithProbePath(p.Mirrors.ProbePath),
				mirrors.WithProbeUserAgent(cfg.Defaults.UserAgent),
				mirrors.WithProbeClock(clock),
			)
			mirrorOpts := []mirrors.Option{
				mirrors.WithClock(clock),
				mirrors.WithLogger(logger),
			}
			if deps.Metrics != nil {
				mirrorOpts = append(mirrorOpts, mirrors.WithRecorder(deps.Metrics))
			}
			reg, err := mirrors.NewRegistry(name, p.Mirrors.URLs, prober, MirrorConfigFor(cfg, name), mirrorOpts...)
			if err != nil {
				registry.Close()
				return nil, fmt.Errorf("failed to build mirrors for %s: %w", name, err)
			}
			opts = append(opts, WithMirrors(reg))
		}

		g, err := NewGateway(GatewayConfigFor(cfg, name), deps.Ledger, opts...)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to build gateway for %s: %w", name, err)
		}
		registry.Register(g)

		logger.Info().
			Str("platform", name).
			Float64("rate_limit", p.RateLimit).
			Int("burst", p.Burst).
			Int("daily_limit", *p.DailyLimit).
			Int("mirrors", len(p.Mirrors.URLs)).
			Msg("gateway registered")
	}

	return registry, nil
}
