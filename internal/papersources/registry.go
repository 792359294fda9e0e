package papersources

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/mirrors"
)

// MirrorResult holds the result of a health check of one mirrored platform.
type MirrorResult struct {
	// Platform identifies the checked gateway.
	Platform string

	// Mirrors is the ranked mirror list after the check.
	Mirrors []mirrors.Mirror
}

// Registry manages gateways and coordinates operations across platforms.
// It provides thread-safe registration and retrieval of gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
}

// NewRegistry creates a new gateway registry with an empty gateway map.
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]*Gateway),
	}
}

// Register adds a gateway to the registry.
// If a gateway for the same platform already exists, it is closed and replaced.
// This method is thread-safe.
func (r *Registry) Register(g *Gateway) {
	r.mu.Lock()
	old := r.gateways[g.Platform()]
	r.gateways[g.Platform()] = g
	r.mu.Unlock()

	if old != nil && old != g {
		old.Close()
	}
}

// Get returns the gateway of a platform.
// Returns a *domain.NotFoundError if the platform is not registered.
// This method is thread-safe.
func (r *Registry) Get(platform string) (*Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[platform]
	if !ok {
		return nil, domain.NewNotFoundError("platform", platform)
	}
	return g, nil
}

// All returns all registered gateways ordered by platform name.
// The returned slice is a snapshot and is safe to iterate even if
// gateways are added concurrently.
func (r *Registry) All() []*Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gateways := make([]*Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		gateways = append(gateways, g)
	}
	sort.Slice(gateways, func(i, j int) bool {
		return gateways[i].Platform() < gateways[j].Platform()
	})
	return gateways
}

// Platforms returns the registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	gateways := r.All()
	names := make([]string, len(gateways))
	for i, g := range gateways {
		names[i] = g.Platform()
	}
	return names
}

// Mirrored returns the gateways that route through a mirror registry.
func (r *Registry) Mirrored() []*Gateway {
	var mirrored []*Gateway
	for _, g := range r.All() {
		if g.Mirrors() != nil {
			mirrored = append(mirrored, g)
		}
	}
	return mirrored
}

// Statuses returns the status of every gateway ordered by platform name.
func (r *Registry) Statuses() []GatewayStatus {
	gateways := r.All()
	statuses := make([]GatewayStatus, len(gateways))
	for i, g := range gateways {
		statuses[i] = g.Status()
	}
	return statuses
}

// CheckMirrors probes the mirrors of every mirrored gateway concurrently.
// A platform whose probes have not settled when ctx ends reports its last known
// mirror state; the probes keep running and update the registry when done.
func (r *Registry) CheckMirrors(ctx context.Context) []MirrorResult {
	gateways := r.Mirrored()
	if len(gateways) == 0 {
		return nil
	}

	// Create result channel and wait group
	resultChan := make(chan MirrorResult, len(gateways))
	var wg sync.WaitGroup

	for _, g := range gateways {
		wg.Add(1)
		go func(g *Gateway) {
			defer wg.Done()
			resultChan <- MirrorResult{
				Platform: g.Platform(),
				Mirrors:  g.CheckMirrors(ctx),
			}
		}(g)
	}

	// Wait for all checks to complete in a separate goroutine
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Collect results
	results := make([]MirrorResult, 0, len(gateways))
	for result := range resultChan {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Platform < results[j].Platform
	})
	return results
}

// PruneCaches removes expired responses from every gateway cache and returns
// the total number removed.
func (r *Registry) PruneCaches() int {
	removed := 0
	for _, g := range r.All() {
		removed += g.PruneCache()
	}
	return removed
}

// RunJanitor prunes expired cache entries every interval until ctx ends.
func (r *Registry) RunJanitor(ctx context.Context, clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if removed := r.PruneCaches(); removed > 0 {
				logger.Debug().Int("removed", removed).Msg("pruned expired cache entries")
			}
		}
	}
}

// Close closes every registered gateway.
func (r *Registry) Close() {
	for _, g := range r.All() {
		g.Close()
	}
}
