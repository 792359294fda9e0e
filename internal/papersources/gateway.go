package papersources

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-search-gateway/internal/cache"
	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/mirrors"
	"github.com/helixir/paper-search-gateway/internal/observability"
	"github.com/helixir/paper-search-gateway/internal/quota"
	"github.com/helixir/paper-search-gateway/internal/ratelimit"
	"github.com/helixir/paper-search-gateway/internal/retry"
)

// GatewayConfig configures the resilience stack of one platform.
type GatewayConfig struct {
	// Platform is the upstream name used for quotas, metrics and logs.
	Platform string
	// BaseURL is the upstream base URL. Unused when the gateway has mirrors.
	BaseURL string
	// Limiter configures the token bucket.
	Limiter ratelimit.Config
	// Retry bounds retries of one upstream call.
	Retry retry.Options
	// Cache configures the response cache.
	Cache cache.Config
	// DailyLimit is the daily request allowance. Zero or negative means unlimited.
	DailyLimit int
	// DailyLimitEnv optionally names an environment variable overriding DailyLimit.
	DailyLimitEnv string
	// HTTP configures the client handed to adapters.
	HTTP HTTPClientConfig
}

// Validate checks that the configuration is usable.
func (c GatewayConfig) Validate() error {
	if c.Platform == "" {
		return domain.NewValidationError("platform", "is required")
	}
	if err := c.Limiter.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return c.Cache.Validate()
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayClock sets the clock shared by the limiter, cache and retry policy.
func WithGatewayClock(clock clockwork.Clock) GatewayOption {
	return func(g *Gateway) {
		g.clock = clock
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger zerolog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithGatewayMetrics sets the metrics sink.
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithMirrors routes calls through a mirror registry instead of BaseURL.
func WithMirrors(r *mirrors.Registry) GatewayOption {
	return func(g *Gateway) {
		g.mirrors = r
	}
}

// WithRetryPolicy replaces the retry policy, typically to control jitter in tests.
func WithRetryPolicy(p *retry.Policy) GatewayOption {
	return func(g *Gateway) {
		g.policy = p
	}
}

// Gateway applies quota, caching, mirror selection, retries and rate limiting
// to the upstream calls of one platform. It is safe for concurrent use.
type Gateway struct {
	platform  string
	baseURL   string
	retryOpts retry.Options

	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	limiter *ratelimit.Limiter
	policy  *retry.Policy
	cache   *cache.Cache[any]
	ledger  *quota.Ledger
	mirrors *mirrors.Registry
	client  *HTTPClient
}

// NewGateway creates a gateway for one platform and registers the platform
// with the shared quota ledger.
func NewGateway(cfg GatewayConfig, ledger *quota.Ledger, opts ...GatewayOption) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, domain.NewValidationError("ledger", "is required")
	}

	g := &Gateway{
		platform:  cfg.Platform,
		baseURL:   cfg.BaseURL,
		retryOpts: cfg.Retry,
		clock:     clockwork.NewRealClock(),
		logger:    zerolog.Nop(),
		ledger:    ledger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.mirrors == nil && g.baseURL == "" {
		return nil, domain.NewValidationError("base_url", "is required without mirrors")
	}
	if g.metrics == nil {
		g.metrics = observability.NewMetricsWith(prometheus.NewRegistry(), "paper_search")
	}
	if g.policy == nil {
		g.policy = retry.New(retry.WithClock(g.clock))
	}
	g.logger = g.logger.With().Str("platform", cfg.Platform).Logger()

	limiter, err := ratelimit.New(cfg.Limiter, ratelimit.WithClock(g.clock))
	if err != nil {
		return nil, err
	}
	responses, err := cache.New[any](cfg.Cache, cache.WithClock(g.clock))
	if err != nil {
		limiter.Dispose()
		return nil, err
	}
	g.limiter = limiter
	g.cache = responses

	httpCfg := cfg.HTTP
	httpCfg.Platform = cfg.Platform
	g.client = NewHTTPClient(httpCfg, g.clock)

	ledger.RegisterPlatform(cfg.Platform, cfg.DailyLimit, cfg.DailyLimitEnv)
	return g, nil
}

// Platform returns the platform name.
func (g *Gateway) Platform() string {
	return g.platform
}

// Client returns the HTTP client adapters use for single attempts.
func (g *Gateway) Client() *HTTPClient {
	return g.client
}

// Mirrors returns the mirror registry, or nil for single-host platforms.
func (g *Gateway) Mirrors() *mirrors.Registry {
	return g.mirrors
}

// Request identifies one logical operation for caching and logging.
type Request struct {
	// Operation names the adapter operation, e.g. "search" or "fetch".
	Operation string
	// Query is normalized into the cache key.
	Query string
	// Options holds the remaining parameters that distinguish results.
	Options any
	// NoCache skips the cache lookup and store.
	NoCache bool
	// TTL overrides the cache TTL when positive.
	TTL time.Duration
}

// cacheKey returns the response cache key of r.
func (r Request) cacheKey(platform string) string {
	return cache.GenerateKey(platform+"/"+r.Operation, r.Query, r.Options)
}

// Execute runs call for one logical operation on g: it enforces the daily quota,
// serves cached results, selects a mirror, retries failed attempts with backoff
// and waits for a rate limiter token before every attempt. A cache miss
// reserves one unit of quota up front; the reservation is kept on success and
// released on failure. Successful results are cached. Failures are returned as
// a *domain.OperationError.
func Execute[T any](ctx context.Context, g *Gateway, req Request, call func(ctx context.Context, baseURL string) (T, error)) (T, error) {
	var zero T
	start := g.clock.Now()

	logger := observability.FromContext(ctx, observability.WithPlatformContext(g.logger, g.platform, req.Operation))
	logger = observability.WithOperationContext(logger, uuid.NewString())

	if err := g.ledger.CheckQuota(g.platform); err != nil {
		return zero, g.quotaRejected(logger, req.Operation, start, err)
	}

	var key string
	if !req.NoCache {
		key = req.cacheKey(g.platform)
		if v, ok := g.cache.Get(key); ok {
			if typed, ok := v.(T); ok {
				g.metrics.RecordCacheHit(g.platform)
				g.metrics.RecordRequest(g.platform, req.Operation, observability.OutcomeCacheHit, g.clock.Since(start))
				logger.Debug().Msg("serving cached response")
				return typed, nil
			}
		}
		g.metrics.RecordCacheMiss(g.platform)
	}

	// Held across the upstream call, released if the operation fails.
	release, err := g.ledger.Reserve(g.platform)
	if err != nil {
		return zero, g.quotaRejected(logger, req.Operation, start, err)
	}

	attempts := 0
	opts := g.retryOpts
	opts.OnRetry = func(e retry.Event) {
		g.metrics.RecordRetry(g.platform, string(e.Outcome.Kind))
		logger.Debug().
			Err(e.Err).
			Int("attempt", e.Attempt).
			Str("kind", string(e.Outcome.Kind)).
			Dur("delay", e.Delay).
			Msg("retrying upstream call")
	}

	withRetry := func(ctx context.Context, baseURL string) (T, error) {
		return retry.Do(ctx, g.policy, opts, func(ctx context.Context, attempt int) (T, error) {
			waitStart := g.clock.Now()
			if err := g.limiter.Acquire(ctx); err != nil {
				return zero, err
			}
			g.metrics.RecordLimiterWait(g.platform, g.clock.Since(waitStart))

			attempts++
			v, err := call(ctx, baseURL)
			g.recordAttempt(err)
			return v, err
		})
	}

	var result T
	if g.mirrors != nil {
		result, err = mirrors.Do(ctx, g.mirrors, withRetry)
	} else {
		result, err = withRetry(ctx, g.baseURL)
	}

	if err != nil {
		release()
		outcome := failureOutcome(err)
		g.metrics.RecordRequest(g.platform, req.Operation, outcome, g.clock.Since(start))
		opErr := g.operationError(req.Operation, attempts, err)
		logger.Debug().Err(err).Int("attempts", attempts).Str("outcome", outcome).Msg("upstream operation failed")
		return zero, opErr
	}

	if !req.NoCache {
		if req.TTL > 0 {
			g.cache.SetWithTTL(key, result, req.TTL)
		} else {
			g.cache.Set(key, result)
		}
	}
	if st, err := g.ledger.Status(g.platform); err == nil {
		g.metrics.SetQuotaUsed(g.platform, st.Used)
	}
	g.metrics.RecordRequest(g.platform, req.Operation, observability.OutcomeSuccess, g.clock.Since(start))
	return result, nil
}

func (g *Gateway) quotaRejected(logger zerolog.Logger, operation string, start time.Time, err error) error {
	g.metrics.RecordQuotaRejected(g.platform)
	g.metrics.RecordRequest(g.platform, operation, observability.OutcomeQuotaExhausted, g.clock.Since(start))
	logger.Warn().Err(err).Msg("daily quota exhausted")
	return g.operationError(operation, 0, err)
}

func (g *Gateway) recordAttempt(err error) {
	if err == nil {
		g.metrics.RecordAttempt(g.platform, retry.Success.String())
		return
	}
	outcome := retry.Classify(err)
	if outcome.Kind == retry.KindRateLimited {
		g.metrics.RecordRateLimited(g.platform)
	}
	g.metrics.RecordAttempt(g.platform, outcome.Status.String())
}

// operationError wraps the final failure of an operation with its platform,
// HTTP status and retryability.
func (g *Gateway) operationError(operation string, attempts int, err error) *domain.OperationError {
	opErr := &domain.OperationError{
		Platform:  g.platform,
		Operation: operation,
		Retryable: retry.Classify(err).Retryable(),
		Attempts:  attempts,
		Err:       err,
	}
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		opErr.StatusCode = upstream.StatusCode
	}
	return opErr
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCancelled
	case errors.Is(err, domain.ErrNoMirrorAvailable):
		return observability.OutcomeNoMirror
	case retry.Classify(err).Retryable():
		return observability.OutcomeRetryable
	default:
		return observability.OutcomeFatal
	}
}

// Available reports whether the gateway can currently issue requests. Mirrored
// gateways need at least one selectable mirror.
func (g *Gateway) Available() bool {
	if g.mirrors == nil {
		return true
	}
	return g.mirrors.Available()
}

// CheckMirrors probes every mirror now. It returns nil for single-host platforms.
func (g *Gateway) CheckMirrors(ctx context.Context) []mirrors.Mirror {
	if g.mirrors == nil {
		return nil
	}
	return g.mirrors.CheckHealth(ctx, true)
}

// SetRate changes the limiter refill rate.
func (g *Gateway) SetRate(ratePerSecond float64) error {
	return g.limiter.SetRate(ratePerSecond)
}

// ClearCache drops every cached response.
func (g *Gateway) ClearCache() {
	g.cache.Clear()
	g.logger.Info().Msg("response cache cleared")
}

// PruneCache removes expired responses and returns how many were removed.
func (g *Gateway) PruneCache() int {
	return g.cache.Prune()
}

// GatewayStatus is a point-in-time view of one gateway.
type GatewayStatus struct {
	Platform  string           `json:"platform"`
	BaseURL   string           `json:"base_url,omitempty"`
	Available bool             `json:"available"`
	Limiter   ratelimit.Status `json:"limiter"`
	Cache     cache.Stats      `json:"cache"`
	Quota     quota.Status     `json:"quota"`
	Mirrors   []mirrors.Mirror `json:"mirrors,omitempty"`
}

// Status returns the current state of the gateway.
func (g *Gateway) Status() GatewayStatus {
	st := GatewayStatus{
		Platform:  g.platform,
		BaseURL:   g.baseURL,
		Available: g.Available(),
		Limiter:   g.limiter.Status(),
		Cache:     g.cache.Stats(),
	}
	if q, err := g.ledger.Status(g.platform); err == nil {
		st.Quota = q
	}
	if g.mirrors != nil {
		st.BaseURL = ""
		st.Mirrors = g.mirrors.Status()
	}
	return st
}

// Close releases every caller waiting for a rate limiter token. Calls made
// after Close fail.
func (g *Gateway) Close() {
	g.limiter.Dispose()
}
