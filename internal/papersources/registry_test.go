package papersources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/mirrors"
	"github.com/helixir/paper-search-gateway/internal/quota"
)

func newRegistryGateway(t *testing.T, ledger *quota.Ledger, platform string, opts ...GatewayOption) *Gateway {
	t.Helper()

	cfg := testGatewayConfig()
	cfg.Platform = platform
	gw, err := NewGateway(cfg, ledger, opts...)
	require.NoError(t, err)
	return gw
}

func TestNewRegistry(t *testing.T) {
	t.Run("creates empty registry", func(t *testing.T) {
		registry := NewRegistry()
		require.NotNil(t, registry)
		assert.Empty(t, registry.All())
		assert.Empty(t, registry.Platforms())
		assert.Nil(t, registry.CheckMirrors(context.Background()))
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	ledger := quota.NewLedger()

	t.Run("registers and retrieves a gateway", func(t *testing.T) {
		registry := NewRegistry()
		gw := newRegistryGateway(t, ledger, "arxiv")
		registry.Register(gw)
		defer registry.Close()

		got, err := registry.Get("arxiv")
		require.NoError(t, err)
		assert.Same(t, gw, got)
	})

	t.Run("returns not found for unknown platforms", func(t *testing.T) {
		registry := NewRegistry()

		_, err := registry.Get("nope")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("replacing a gateway closes the old one", func(t *testing.T) {
		registry := NewRegistry()
		defer registry.Close()

		old := newRegistryGateway(t, ledger, "pubmed")
		registry.Register(old)
		replacement := newRegistryGateway(t, ledger, "pubmed")
		registry.Register(replacement)

		got, err := registry.Get("pubmed")
		require.NoError(t, err)
		assert.Same(t, replacement, got)

		call, _ := scriptedCall()
		_, err = Execute(context.Background(), old, searchRequest("q"), call)
		assert.ErrorIs(t, err, domain.ErrLimiterDisposed)
	})

	t.Run("lists gateways sorted by platform", func(t *testing.T) {
		registry := NewRegistry()
		defer registry.Close()

		for _, name := range []string{"pubmed", "arxiv", "crossref"} {
			registry.Register(newRegistryGateway(t, ledger, name))
		}

		assert.Equal(t, []string{"arxiv", "crossref", "pubmed"}, registry.Platforms())
		statuses := registry.Statuses()
		require.Len(t, statuses, 3)
		assert.Equal(t, "arxiv", statuses[0].Platform)
		assert.Empty(t, registry.Mirrored())
	})

	t.Run("is safe for concurrent use", func(t *testing.T) {
		registry := NewRegistry()
		defer registry.Close()

		var gateways []*Gateway
		for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
			gateways = append(gateways, newRegistryGateway(t, ledger, name))
		}

		var wg sync.WaitGroup
		for _, gw := range gateways {
			wg.Add(2)
			go func() {
				defer wg.Done()
				registry.Register(gw)
			}()
			go func() {
				defer wg.Done()
				_ = registry.Statuses()
			}()
		}
		wg.Wait()

		assert.Len(t, registry.All(), 6)
	})
}

func TestRegistry_CheckMirrors(t *testing.T) {
	ledger := quota.NewLedger()
	registry := NewRegistry()
	defer registry.Close()

	registry.Register(newRegistryGateway(t, ledger, "arxiv"))
	registry.Register(newRegistryGateway(t, ledger, "dblp", WithMirrors(newTestMirrors(t, clockwork.NewFakeClock()))))

	mirrored := registry.Mirrored()
	require.Len(t, mirrored, 1)
	assert.Equal(t, "dblp", mirrored[0].Platform())

	results := registry.CheckMirrors(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "dblp", results[0].Platform)
	assert.Len(t, results[0].Mirrors, 2)
}

func TestRegistry_CheckMirrors_ContextDone(t *testing.T) {
	release := make(chan struct{})
	prober := mirrors.ProberFunc(func(context.Context, string) (time.Duration, error) {
		<-release
		return 5 * time.Millisecond, nil
	})
	mirrorRegistry, err := mirrors.NewRegistry("dblp", []string{mirrorOne, mirrorTwo}, prober, mirrors.DefaultConfig(), mirrors.WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	registry := NewRegistry()
	defer registry.Close()
	registry.Register(newRegistryGateway(t, quota.NewLedger(), "dblp", WithMirrors(mirrorRegistry)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := registry.CheckMirrors(ctx)
	require.Len(t, results, 1)
	for _, m := range results[0].Mirrors {
		assert.Equal(t, mirrors.StatusUnknown, m.Status, "last known state is reported")
	}

	close(release)
	assert.Eventually(t, func() bool {
		for _, m := range mirrorRegistry.Status() {
			if m.Status != mirrors.StatusHealthy {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond, "unfinished probes still update the registry")
}

func TestRegistry_PruneCaches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := quota.NewLedger(quota.WithClock(clock))
	registry := NewRegistry()
	defer registry.Close()

	for _, name := range []string{"arxiv", "pubmed"} {
		registry.Register(newRegistryGateway(t, ledger, name, WithGatewayClock(clock)))
	}

	call, _ := scriptedCall()
	for _, gw := range registry.All() {
		_, err := Execute(context.Background(), gw, searchRequest("q"), call)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, registry.PruneCaches())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, registry.PruneCaches())
}

func TestRegistry_RunJanitor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := quota.NewLedger(quota.WithClock(clock))
	registry := NewRegistry()
	defer registry.Close()

	cfg := testGatewayConfig()
	gw, err := NewGateway(cfg, ledger, WithGatewayClock(clock))
	require.NoError(t, err)
	registry.Register(gw)

	call, _ := scriptedCall()
	_, err = Execute(context.Background(), gw, searchRequest("q"), call)
	require.NoError(t, err)
	require.Equal(t, 1, gw.Status().Cache.Size)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.RunJanitor(ctx, clock, 30*time.Second, zerolog.Nop())
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return gw.Status().Cache.Size == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
