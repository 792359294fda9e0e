package mirrors

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

func healthyProber() *staticProber {
	return newStaticProber(map[string]probeOutcome{
		mirrorA: {latency: 10 * time.Millisecond},
		mirrorB: {latency: 20 * time.Millisecond},
		mirrorC: {latency: 30 * time.Millisecond},
	})
}

func TestDo(t *testing.T) {
	t.Run("uses the best mirror when it succeeds", func(t *testing.T) {
		r := newTestRegistry(t, healthyProber(), testConfig())

		var called []string
		v, err := Do(context.Background(), r, func(_ context.Context, base string) (string, error) {
			called = append(called, base)
			return "pdf", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "pdf", v)
		assert.Equal(t, []string{mirrorA}, called)
	})

	t.Run("fails over after a retryable failure", func(t *testing.T) {
		rec := &recordingRecorder{}
		var buf bytes.Buffer
		r := newTestRegistry(t, healthyProber(), testConfig(), WithRecorder(rec), WithLogger(zerolog.New(&buf)))

		var called []string
		v, err := Do(context.Background(), r, func(_ context.Context, base string) (string, error) {
			called = append(called, base)
			if base == mirrorA {
				return "", domain.NewUpstreamError("scihub", 503, "", nil)
			}
			return "pdf from " + base, nil
		})

		require.NoError(t, err)
		assert.Equal(t, "pdf from "+mirrorB, v)
		assert.Equal(t, []string{mirrorA, mirrorB}, called)
		assert.Equal(t, []string{mirrorA}, rec.failovers)
		assert.Contains(t, buf.String(), "mirror exhausted, failing over")
		assert.Contains(t, buf.String(), `"backend":"scihub"`)
		assert.Contains(t, buf.String(), `"mirror":"`+mirrorA+`"`)

		for _, m := range r.Status() {
			if m.URL == mirrorA {
				assert.Equal(t, 1, m.ConsecutiveFailures)
			}
		}
	})

	t.Run("fatal errors are surfaced without failover", func(t *testing.T) {
		r := newTestRegistry(t, healthyProber(), testConfig())
		notFound := domain.NewUpstreamError("scihub", 404, "no such doi", nil)

		calls := 0
		_, err := Do(context.Background(), r, func(context.Context, string) (string, error) {
			calls++
			return "", notFound
		})

		assert.Same(t, notFound, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("bounded by max failover", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxFailover = 2
		r := newTestRegistry(t, healthyProber(), cfg)

		calls := 0
		_, err := Do(context.Background(), r, func(context.Context, string) (string, error) {
			calls++
			return "", domain.NewUpstreamError("scihub", 502, "", nil)
		})

		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.ErrorIs(t, err, domain.ErrNoMirrorAvailable)

		var noMirror *domain.NoMirrorAvailableError
		require.True(t, errors.As(err, &noMirror))
		assert.Equal(t, []string{mirrorA, mirrorB}, noMirror.Tried)

		var upstream *domain.UpstreamError
		require.True(t, errors.As(err, &upstream))
		assert.Equal(t, 502, upstream.StatusCode)
	})

	t.Run("unhealthy mirrors are not tried", func(t *testing.T) {
		prober := healthyProber()
		prober.set(mirrorA, probeOutcome{err: errors.New("down")})
		prober.set(mirrorB, probeOutcome{err: errors.New("down")})
		prober.set(mirrorC, probeOutcome{err: errors.New("down")})
		r := newTestRegistry(t, prober, testConfig())

		calls := 0
		_, err := Do(context.Background(), r, func(context.Context, string) (string, error) {
			calls++
			return "", nil
		})

		assert.ErrorIs(t, err, domain.ErrNoMirrorAvailable)
		assert.Zero(t, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		r := newTestRegistry(t, healthyProber(), testConfig())
		r.CheckHealth(context.Background(), true)
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		_, err := Do(ctx, r, func(context.Context, string) (string, error) {
			calls++
			cancel()
			return "", domain.NewUpstreamError("scihub", 503, "", nil)
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
