package papersources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 10 << 20

// maxErrorBodyBytes caps how much of an error body is kept in UpstreamError.Message.
const maxErrorBodyBytes = 512

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Platform names the upstream in returned errors.
	Platform string

	// Timeout is the request timeout for HTTP operations.
	Timeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// APIKey is an optional API key for authentication.
	APIKey string

	// APIKeyHeader is the header name for the API key (e.g., "X-API-Key", "Authorization").
	APIKeyHeader string

	// MaxBodyBytes limits response bodies read by Get and GetJSON.
	MaxBodyBytes int64
}

// HTTPClient performs single upstream attempts for platform adapters.
// Retries, rate limiting and caching are applied around it by a Gateway.
// It is safe for concurrent use.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
	clock  clockwork.Clock
}

// NewHTTPClient creates a new HTTP client.
func NewHTTPClient(cfg HTTPClientConfig, clock clockwork.Clock) *HTTPClient {
	// Apply defaults
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Helixir-PaperSearchGateway/1.0"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		clock:  clock,
	}
}

// StdClient returns the underlying *http.Client.
func (c *HTTPClient) StdClient() *http.Client {
	return c.client
}

// UserAgent returns the User-Agent sent with requests.
func (c *HTTPClient) UserAgent() string {
	return c.config.UserAgent
}

// Do executes one HTTP request. It sets the User-Agent and optional API key
// headers. Transport failures and non-2xx responses are returned as
// *domain.UpstreamError; for those responses the body is drained and closed,
// and a Retry-After header is parsed into RetryAfter.
func (c *HTTPClient) Do(req *http.Request, operation string) (*http.Response, error) {
	// Set default headers
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	// Set API key if configured
	if c.config.APIKey != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Context errors are returned unwrapped so callers can tell cancellation apart
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		return nil, &domain.UpstreamError{
			Platform:  c.config.Platform,
			Operation: operation,
			Cause:     err,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, c.config.MaxBodyBytes))

	message := strings.TrimSpace(string(snippet))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return nil, &domain.UpstreamError{
		Platform:   c.config.Platform,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: c.retryAfter(resp),
	}
}

// Get fetches url and returns the response body.
func (c *HTTPClient) Get(ctx context.Context, operation, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.Do(req, operation)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, &domain.UpstreamError{
			Platform:  c.config.Platform,
			Operation: operation,
			Message:   "reading response body",
			Cause:     err,
		}
	}
	if int64(len(body)) > c.config.MaxBodyBytes {
		return nil, fmt.Errorf("%s %s: response body exceeds %d bytes", c.config.Platform, operation, c.config.MaxBodyBytes)
	}
	return body, nil
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, operation, url string, out any) error {
	body, err := c.Get(ctx, operation, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", c.config.Platform, operation, err)
	}
	return nil
}

// retryAfter parses the Retry-After header as delay-seconds or an HTTP date.
// It returns zero when the header is absent, malformed or in the past.
func (c *HTTPClient) retryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try to parse as seconds
	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}

	// Try to parse as HTTP date
	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := t.Sub(c.clock.Now()); delay > 0 {
			return delay
		}
	}

	return 0
}
