package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes used as the "outcome" label of RequestsTotal.
const (
	OutcomeSuccess        = "success"
	OutcomeCacheHit       = "cache_hit"
	OutcomeQuotaExhausted = "quota_exhausted"
	OutcomeNoMirror       = "no_mirror"
	OutcomeRetryable      = "retryable_error"
	OutcomeFatal          = "fatal_error"
	OutcomeCancelled      = "cancelled"
)

// Metrics contains all Prometheus metrics for the paper search gateway.
// Metrics are organized by subsystem: gateway requests, upstream attempts,
// rate limiting, caching, quotas and mirrors.
type Metrics struct {
	// RequestsTotal counts logical gateway operations, labeled by platform, operation and outcome.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes end-to-end operation duration in seconds, labeled by platform and operation.
	RequestDuration *prometheus.HistogramVec

	// UpstreamAttempts counts individual upstream calls, labeled by platform and result (success, retryable, fatal).
	UpstreamAttempts *prometheus.CounterVec

	// RetriesTotal counts retries scheduled by the retry policy, labeled by platform and error kind.
	RetriesTotal *prometheus.CounterVec

	// RateLimitedTotal counts 429 responses received from upstream platforms.
	RateLimitedTotal *prometheus.CounterVec

	// CacheHits counts response cache hits, labeled by platform.
	CacheHits *prometheus.CounterVec

	// CacheMisses counts response cache misses, labeled by platform.
	CacheMisses *prometheus.CounterVec

	// LimiterWait observes time spent waiting for a rate limiter token in seconds, labeled by platform.
	LimiterWait *prometheus.HistogramVec

	// QuotaRejected counts operations refused because the daily quota was used up.
	QuotaRejected *prometheus.CounterVec

	// QuotaUsed reports requests counted against today's quota, labeled by platform.
	QuotaUsed *prometheus.GaugeVec

	// MirrorProbes counts health probes, labeled by backend and result (healthy, unhealthy).
	MirrorProbes *prometheus.CounterVec

	// MirrorProbeDuration observes successful probe latency in seconds, labeled by backend.
	MirrorProbeDuration *prometheus.HistogramVec

	// MirrorHealthy is 1 for a healthy mirror and 0 otherwise, labeled by backend and mirror.
	MirrorHealthy *prometheus.GaugeVec

	// MirrorFailovers counts requests moved off a mirror after it exhausted its retries.
	MirrorFailovers *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with the default
// Prometheus registry. The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates a new Metrics instance registered with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Gateway requests
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of gateway operations by outcome",
		}, []string{"platform", "operation", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of gateway operations",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"platform", "operation"}),

		// Upstream attempts
		UpstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Total number of upstream calls by result",
		}, []string{"platform", "result"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled by error kind",
		}, []string{"platform", "kind"}),
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "rate_limited_total",
			Help:      "Total number of 429 responses from upstream platforms",
		}, []string{"platform"}),

		// Cache
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of response cache hits",
		}, []string{"platform"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of response cache misses",
		}, []string{"platform"}),

		// Rate limiting and quotas
		LimiterWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limiter token",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"platform"}),
		QuotaRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "rejected_total",
			Help:      "Total number of operations refused by the daily quota",
		}, []string{"platform"}),
		QuotaUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "used",
			Help:      "Requests counted against the current daily quota",
		}, []string{"platform"}),

		// Mirrors
		MirrorProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "probes_total",
			Help:      "Total number of mirror health probes by result",
		}, []string{"backend", "result"}),
		MirrorProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "probe_duration_seconds",
			Help:      "Latency of successful mirror health probes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		MirrorHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "healthy",
			Help:      "Whether a mirror is currently healthy (1) or not (0)",
		}, []string{"backend", "mirror"}),
		MirrorFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "failovers_total",
			Help:      "Total number of requests failed over away from a mirror",
		}, []string{"backend", "mirror"}),
	}
}

// RecordRequest records a finished gateway operation.
func (m *Metrics) RecordRequest(platform, operation, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(platform, operation, outcome).Inc()
	m.RequestDuration.WithLabelValues(platform, operation).Observe(duration.Seconds())
}

// RecordAttempt records one upstream call and its classification.
func (m *Metrics) RecordAttempt(platform, result string) {
	m.UpstreamAttempts.WithLabelValues(platform, result).Inc()
}

// RecordRetry records a retry scheduled after a retryable failure.
func (m *Metrics) RecordRetry(platform, kind string) {
	m.RetriesTotal.WithLabelValues(platform, kind).Inc()
}

// RecordRateLimited records a 429 response from a platform.
func (m *Metrics) RecordRateLimited(platform string) {
	m.RateLimitedTotal.WithLabelValues(platform).Inc()
}

// RecordCacheHit records a response cache hit.
func (m *Metrics) RecordCacheHit(platform string) {
	m.CacheHits.WithLabelValues(platform).Inc()
}

// RecordCacheMiss records a response cache miss.
func (m *Metrics) RecordCacheMiss(platform string) {
	m.CacheMisses.WithLabelValues(platform).Inc()
}

// RecordLimiterWait records how long a call waited for a rate limiter token.
func (m *Metrics) RecordLimiterWait(platform string, wait time.Duration) {
	m.LimiterWait.WithLabelValues(platform).Observe(wait.Seconds())
}

// RecordQuotaRejected records an operation refused by the daily quota.
func (m *Metrics) RecordQuotaRejected(platform string) {
	m.QuotaRejected.WithLabelValues(platform).Inc()
}

// SetQuotaUsed reports today's quota usage for a platform.
func (m *Metrics) SetQuotaUsed(platform string, used int) {
	m.QuotaUsed.WithLabelValues(platform).Set(float64(used))
}

// RecordMirrorProbe records a mirror health probe result.
func (m *Metrics) RecordMirrorProbe(backend, _ string, latency time.Duration, healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
		m.MirrorProbeDuration.WithLabelValues(backend).Observe(latency.Seconds())
	}
	m.MirrorProbes.WithLabelValues(backend, result).Inc()
}

// RecordMirrorStatus records a mirror status transition.
func (m *Metrics) RecordMirrorStatus(backend, mirror string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.MirrorHealthy.WithLabelValues(backend, mirror).Set(v)
}

// RecordMirrorFailover records a request moved off a mirror.
func (m *Metrics) RecordMirrorFailover(backend, mirror string) {
	m.MirrorFailovers.WithLabelValues(backend, mirror).Inc()
}
