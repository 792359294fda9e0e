package mirrors

import (
	"context"

	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/observability"
	"github.com/helixir/paper-search-gateway/internal/retry"
)

// Do runs fn against the best available mirror and fails over to the next best
// untried mirror when fn returns a retryable error. fn is expected to do its own
// per-mirror retries. At most MaxFailover mirrors are tried. Fatal errors are
// returned immediately; running out of mirrors returns a
// *domain.NoMirrorAvailableError wrapping the last failure.
func Do[T any](ctx context.Context, r *Registry, fn func(ctx context.Context, baseURL string) (T, error)) (T, error) {
	var zero T
	r.CheckHealth(ctx, false)

	var (
		tried   []string
		lastErr error
	)
	for len(tried) < r.cfg.MaxFailover {
		m, err := r.SelectNext(tried...)
		if err != nil {
			break
		}
		tried = append(tried, m.URL)

		v, err := fn(ctx, m.URL)
		if err == nil {
			r.ReportSuccess(m.URL)
			return v, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}
		if !retry.Classify(err).Retryable() {
			return zero, err
		}

		r.ReportFailure(m.URL)
		r.recorder.RecordMirrorFailover(r.name, m.URL)
		logger := observability.WithMirrorContext(r.logger, r.name, m.URL)
		logger.Warn().
			Err(err).
			Int("attempted", len(tried)).
			Msg("mirror exhausted, failing over")
		lastErr = err
	}

	return zero, &domain.NoMirrorAvailableError{Backend: r.name, Tried: tried, Cause: lastErr}
}
