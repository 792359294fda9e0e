// Package mirrors keeps track of interchangeable endpoints for one logical
// backend. It probes them, ranks them by health and latency, and supports
// failing a request over from one mirror to the next.
package mirrors

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/observability"
)

// Status is the health state of a mirror.
type Status string

const (
	// StatusUnknown means the mirror has not been probed or used yet.
	StatusUnknown Status = "unknown"
	// StatusHealthy means the last probe or request succeeded.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy means the mirror failed a probe or too many requests in a row.
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	default:
		return 2
	}
}

// Mirror is a snapshot of one mirror's state.
type Mirror struct {
	URL                 string        `json:"url"`
	Status              Status        `json:"status"`
	LastResponseTime    time.Duration `json:"last_response_time"`
	LastCheckedAt       time.Time     `json:"last_checked_at,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Config tunes probing and failover.
type Config struct {
	// ProbeTimeout bounds every individual probe.
	ProbeTimeout time.Duration
	// StaleAfter is how long probe results are reused before CheckHealth probes again.
	StaleAfter time.Duration
	// FailureThreshold is the number of consecutive request failures that demote a mirror.
	FailureThreshold int
	// MaxFailover is the maximum number of mirrors tried for one request.
	MaxFailover int
	// ProbeConcurrency limits parallel probes. Zero probes all mirrors at once.
	ProbeConcurrency int
}

// DefaultConfig returns the tuning used when a backend does not override it.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:     5 * time.Second,
		StaleAfter:       5 * time.Minute,
		FailureThreshold: 3,
		MaxFailover:      3,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return domain.NewValidationError("probe_timeout", "must be positive")
	}
	if c.StaleAfter < 0 {
		return domain.NewValidationError("stale_after", "must not be negative")
	}
	if c.FailureThreshold < 1 {
		return domain.NewValidationError("failure_threshold", "must be at least 1")
	}
	if c.MaxFailover < 1 {
		return domain.NewValidationError("max_failover", "must be at least 1")
	}
	if c.ProbeConcurrency < 0 {
		return domain.NewValidationError("probe_concurrency", "must not be negative")
	}
	return nil
}

// Recorder receives probe results and status changes, typically for metrics.
type Recorder interface {
	RecordMirrorProbe(backend, mirror string, latency time.Duration, healthy bool)
	RecordMirrorStatus(backend, mirror string, healthy bool)
	RecordMirrorFailover(backend, mirror string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMirrorProbe(string, string, time.Duration, bool) {}
func (nopRecorder) RecordMirrorStatus(string, string, bool)               {}
func (nopRecorder) RecordMirrorFailover(string, string)                   {}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for probe timeouts, staleness and latency.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the logger used to report status transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// Registry holds the mirrors of one backend. Records are kept in configuration
// order and never removed; order holds their current ranking.
// It is safe for concurrent use.
type Registry struct {
	name     string
	cfg      Config
	prober   Prober
	clock    clockwork.Clock
	logger   zerolog.Logger
	recorder Recorder
	group    singleflight.Group

	mu        sync.RWMutex
	records   []Mirror
	index     map[string]int
	order     []int
	lastProbe time.Time
}

// NewRegistry creates a registry for the given mirror URLs, all initially Unknown.
func NewRegistry(name string, urls []string, prober Prober, cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mirror config for %s: %w", name, err)
	}
	if len(urls) == 0 {
		return nil, domain.NewValidationError("mirrors", "at least one mirror is required")
	}
	if prober == nil {
		return nil, domain.NewValidationError("prober", "must not be nil")
	}

	r := &Registry{
		name:     name,
		cfg:      cfg,
		prober:   prober,
		clock:    clockwork.NewRealClock(),
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		records:  make([]Mirror, 0, len(urls)),
		index:    make(map[string]int, len(urls)),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, domain.NewValidationError("mirrors", fmt.Sprintf("invalid mirror url %q", raw))
		}
		if _, dup := r.index[raw]; dup {
			return nil, domain.NewValidationError("mirrors", fmt.Sprintf("duplicate mirror url %q", raw))
		}
		r.index[raw] = len(r.records)
		r.records = append(r.records, Mirror{URL: raw, Status: StatusUnknown})
	}
	r.rankLocked()
	return r, nil
}

// Name returns the backend name.
func (r *Registry) Name() string {
	return r.name
}

// Config returns the registry tuning.
func (r *Registry) Config() Config {
	return r.cfg
}

type probeResult struct {
	latency time.Duration
	err     error
	at      time.Time
}

// CheckHealth probes every mirror concurrently unless the last results are
// still fresh. force skips the freshness check. Concurrent callers share one
// round of probes. The returned snapshot is ranked best first.
func (r *Registry) CheckHealth(ctx context.Context, force bool) []Mirror {
	if !force && !r.stale() {
		return r.Status()
	}

	ch := r.group.DoChan("probe", func() (any, error) {
		// Probes are bounded by ProbeTimeout, not by whichever caller started them.
		r.probeAll(context.WithoutCancel(ctx))
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
	}
	return r.Status()
}

func (r *Registry) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastProbe.IsZero() || r.clock.Since(r.lastProbe) >= r.cfg.StaleAfter
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	urls := make([]string, len(r.records))
	for i, m := range r.records {
		urls[i] = m.URL
	}
	r.mu.RUnlock()

	results := make([]probeResult, len(urls))
	var g errgroup.Group
	if r.cfg.ProbeConcurrency > 0 {
		g.SetLimit(r.cfg.ProbeConcurrency)
	}
	for i, u := range urls {
		g.Go(func() error {
			pctx, cancel := clockwork.WithTimeout(ctx, r.clock, r.cfg.ProbeTimeout)
			defer cancel()

			latency, err := r.probeOne(pctx, u)
			results[i] = probeResult{latency: latency, err: err, at: r.clock.Now()}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, res := range results {
		healthy := res.err == nil
		r.recorder.RecordMirrorProbe(r.name, urls[i], res.latency, healthy)

		m := &r.records[i]
		m.LastCheckedAt = res.at
		if healthy {
			m.LastResponseTime = res.latency
			m.LastError = ""
			m.ConsecutiveFailures = 0
			r.setStatusLocked(m, StatusHealthy)
		} else {
			m.LastError = res.err.Error()
			r.setStatusLocked(m, StatusUnhealthy)
		}
	}
	r.lastProbe = r.clock.Now()
	r.rankLocked()
}

// probeOne runs a probe and reports a timeout even if the prober ignores ctx.
func (r *Registry) probeOne(ctx context.Context, u string) (time.Duration, error) {
	type result struct {
		latency time.Duration
		err     error
	}
	done := make(chan result, 1)
	go func() {
		latency, err := r.prober.Probe(ctx, u)
		done <- result{latency, err}
	}()

	select {
	case res := <-done:
		return res.latency, res.err
	case <-ctx.Done():
		return 0, fmt.Errorf("probe %s: %w", u, ctx.Err())
	}
}

// SelectBest returns the healthy mirror with the lowest latency, or an Unknown
// mirror if none is confirmed healthy. It fails only when every mirror is
// Unhealthy.
func (r *Registry) SelectBest() (Mirror, error) {
	return r.SelectNext()
}

// SelectNext is SelectBest restricted to mirrors not listed in exclude.
func (r *Registry) SelectNext(exclude ...string) (Mirror, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, i := range r.order {
		m := r.records[i]
		if m.Status == StatusUnhealthy {
			break
		}
		if slices.Contains(exclude, m.URL) {
			continue
		}
		return m, nil
	}
	return Mirror{}, &domain.NoMirrorAvailableError{Backend: r.name, Tried: exclude}
}

// ReportFailure records a failed request against a mirror. The mirror is
// demoted once FailureThreshold consecutive failures have been seen.
func (r *Registry) ReportFailure(mirrorURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[mirrorURL]
	if !ok {
		return
	}
	m := &r.records[i]
	m.ConsecutiveFailures++
	if m.ConsecutiveFailures >= r.cfg.FailureThreshold {
		r.setStatusLocked(m, StatusUnhealthy)
	}
	r.rankLocked()
}

// ReportSuccess records a successful request, resetting the failure count and
// marking the mirror healthy.
func (r *Registry) ReportSuccess(mirrorURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[mirrorURL]
	if !ok {
		return
	}
	m := &r.records[i]
	m.ConsecutiveFailures = 0
	m.LastError = ""
	r.setStatusLocked(m, StatusHealthy)
	r.rankLocked()
}

// Status returns a snapshot of every mirror, best first.
func (r *Registry) Status() []Mirror {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Mirror, len(r.order))
	for pos, i := range r.order {
		out[pos] = r.records[i]
	}
	return out
}

// Available reports whether at least one mirror can be selected.
func (r *Registry) Available() bool {
	_, err := r.SelectBest()
	return err == nil
}

// Monitor re-probes all mirrors every interval until ctx is done.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.CheckHealth(ctx, true)
		}
	}
}

// setStatusLocked changes a mirror's status and reports transitions. r.mu must be held.
func (r *Registry) setStatusLocked(m *Mirror, status Status) {
	if m.Status == status {
		return
	}
	prev := m.Status
	m.Status = status
	r.recorder.RecordMirrorStatus(r.name, m.URL, status == StatusHealthy)

	logger := observability.WithMirrorContext(r.logger, r.name, m.URL)
	event := logger.Info()
	if status == StatusUnhealthy {
		event = logger.Warn()
	}
	event.
		Str("from", string(prev)).
		Str("to", string(status)).
		Int("consecutive_failures", m.ConsecutiveFailures).
		Msg("mirror status changed")
}

// rankLocked recomputes the ranking: healthy before unknown before unhealthy,
// then lower latency, then configuration order. r.mu must be held.
func (r *Registry) rankLocked() {
	if len(r.order) != len(r.records) {
		r.order = make([]int, len(r.records))
	}
	for i := range r.order {
		r.order[i] = i
	}
	sort.SliceStable(r.order, func(a, b int) bool {
		ma, mb := r.records[r.order[a]], r.records[r.order[b]]
		if ra, rb := ma.Status.rank(), mb.Status.rank(); ra != rb {
			return ra < rb
		}
		return ma.LastResponseTime < mb.LastResponseTime
	})
}
