package mirrors

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// Prober measures whether a mirror answers and how quickly.
type Prober interface {
	Probe(ctx context.Context, baseURL string) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, baseURL string) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, baseURL string) (time.Duration, error) {
	return f(ctx, baseURL)
}

// HTTPProber probes a mirror with a HEAD request, falling back to GET when the
// server does not allow HEAD. Any response below 500 counts as healthy.
type HTTPProber struct {
	client    *http.Client
	path      string
	userAgent string
	clock     clockwork.Clock
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithProbePath sets the path appended to the mirror URL. Defaults to "/".
func WithProbePath(path string) HTTPProberOption {
	return func(p *HTTPProber) {
		p.path = path
	}
}

// WithProbeUserAgent sets the User-Agent header sent with probes.
func WithProbeUserAgent(ua string) HTTPProberOption {
	return func(p *HTTPProber) {
		p.userAgent = ua
	}
}

// WithProbeClock sets the clock used to measure latency.
func WithProbeClock(clock clockwork.Clock) HTTPProberOption {
	return func(p *HTTPProber) {
		p.clock = clock
	}
}

// NewHTTPProber creates an HTTPProber. A nil client uses http.DefaultClient.
func NewHTTPProber(client *http.Client, opts ...HTTPProberOption) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	p := &HTTPProber{
		client: client,
		path:   "/",
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) (time.Duration, error) {
	start := p.clock.Now()

	status, err := p.do(ctx, http.MethodHead, baseURL)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = p.do(ctx, http.MethodGet, baseURL)
	}
	if err != nil {
		return 0, err
	}
	if status >= http.StatusInternalServerError {
		return 0, &domain.UpstreamError{
			Platform:   baseURL,
			Operation:  "probe",
			StatusCode: status,
			Message:    http.StatusText(status),
		}
	}
	return p.clock.Since(start), nil
}

func (p *HTTPProber) do(ctx context.Context, method, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+p.path, nil)
	if err != nil {
		return 0, domain.NewValidationError("mirror_url", err.Error())
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &domain.UpstreamError{Platform: baseURL, Operation: "probe", Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
