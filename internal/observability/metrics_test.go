package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: prometheus/promauto registers metrics globally, so we need to use
// unique namespaces per test to avoid registration conflicts.

func TestNewMetrics(t *testing.T) {
	// Use unique namespace to avoid conflicts with other tests
	m := NewMetrics("test_paper_search_new")

	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.UpstreamAttempts)
	assert.NotNil(t, m.RetriesTotal)
	assert.NotNil(t, m.RateLimitedTotal)
	assert.NotNil(t, m.CacheHits)
	assert.NotNil(t, m.CacheMisses)
	assert.NotNil(t, m.LimiterWait)
	assert.NotNil(t, m.QuotaRejected)
	assert.NotNil(t, m.QuotaUsed)
	assert.NotNil(t, m.MirrorProbes)
	assert.NotNil(t, m.MirrorProbeDuration)
	assert.NotNil(t, m.MirrorHealthy)
	assert.NotNil(t, m.MirrorFailovers)
}

func TestNewMetricsWith(t *testing.T) {
	t.Run("registers with the given registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetricsWith(reg, "gw")
		m.RecordCacheHit("arxiv")

		families, err := reg.Gather()
		require.NoError(t, err)

		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "gw_cache_hits_total")
	})

	t.Run("separate registries do not conflict", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewMetricsWith(prometheus.NewRegistry(), "same")
			NewMetricsWith(prometheus.NewRegistry(), "same")
		})
	})
}

func TestRecordRequest(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.RecordRequest("arxiv", "search", OutcomeSuccess, 250*time.Millisecond)
	m.RecordRequest("arxiv", "search", OutcomeCacheHit, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("arxiv", "search", OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("arxiv", "search", OutcomeCacheHit)))

	count, err := getHistogramSampleCount(m.RequestDuration.WithLabelValues("arxiv", "search").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestRecordUpstream(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.RecordAttempt("pubmed", "retryable")
	m.RecordAttempt("pubmed", "success")
	m.RecordRetry("pubmed", "rate_limited")
	m.RecordRateLimited("pubmed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamAttempts.WithLabelValues("pubmed", "retryable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamAttempts.WithLabelValues("pubmed", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesTotal.WithLabelValues("pubmed", "rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues("pubmed")))
}

func TestRecordCacheAndQuota(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.RecordCacheHit("core")
	m.RecordCacheMiss("core")
	m.RecordCacheMiss("core")
	m.RecordQuotaRejected("core")
	m.SetQuotaUsed("core", 17)
	m.RecordLimiterWait("core", 300*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("core")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMisses.WithLabelValues("core")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuotaRejected.WithLabelValues("core")))
	assert.Equal(t, float64(17), testutil.ToFloat64(m.QuotaUsed.WithLabelValues("core")))

	count, err := getHistogramSampleCount(m.LimiterWait.WithLabelValues("core").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRecordMirror(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.RecordMirrorProbe("scihub", "https://a", 40*time.Millisecond, true)
	m.RecordMirrorProbe("scihub", "https://b", 0, false)
	m.RecordMirrorStatus("scihub", "https://a", true)
	m.RecordMirrorStatus("scihub", "https://b", false)
	m.RecordMirrorFailover("scihub", "https://b")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.MirrorProbes.WithLabelValues("scihub", "healthy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MirrorProbes.WithLabelValues("scihub", "unhealthy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MirrorHealthy.WithLabelValues("scihub", "https://a")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.MirrorHealthy.WithLabelValues("scihub", "https://b")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MirrorFailovers.WithLabelValues("scihub", "https://b")))

	count, err := getHistogramSampleCount(m.MirrorProbeDuration.WithLabelValues("scihub").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count, "failed probes are not timed")
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var dto = &dto.Metric{}
	if err := m.Write(dto); err != nil {
		return 0, err
	}

	return dto.Histogram.GetSampleCount(), nil
}
