// Package server provides the gRPC surface of the paper search gateway.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/helixir/paper-search-gateway/internal/papersources"
)

// ServicePrefix prefixes the per-platform service names reported by the
// health service, e.g. "papersearch.platform.dblp".
const ServicePrefix = "papersearch.platform."

// ServiceName returns the health service name of a platform.
func ServiceName(platform string) string {
	return ServicePrefix + platform
}

// HealthReporter keeps a gRPC health server in sync with gateway availability.
// A platform is SERVING unless it routes through mirrors and none of them is
// selectable. The overall service ("") is SERVING while the reporter runs.
type HealthReporter struct {
	health   *health.Server
	registry *papersources.Registry
	logger   zerolog.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter creates a reporter that publishes into hs.
func NewHealthReporter(hs *health.Server, registry *papersources.Registry, logger zerolog.Logger) *HealthReporter {
	return &HealthReporter{
		health:   hs,
		registry: registry,
		logger:   logger.With().Str("component", "grpc-health").Logger(),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Update publishes the current availability of every registered platform.
func (h *HealthReporter) Update() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	for _, g := range h.registry.All() {
		status := healthpb.HealthCheckResponse_SERVING
		if !g.Available() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}

		service := ServiceName(g.Platform())
		if prev, ok := h.last[service]; ok && prev == status {
			continue
		}
		h.last[service] = status
		h.health.SetServingStatus(service, status)

		h.logger.Info().
			Str("platform", g.Platform()).
			Str("status", status.String()).
			Msg("platform health changed")
	}
}

// Run calls Update every interval until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	h.Update()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Update()
		}
	}
}

// Shutdown marks every service NOT_SERVING. Later updates are ignored.
func (h *HealthReporter) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Shutdown()
}
