// Package observability provides logging, metrics, and context helpers for
// the paper search gateway.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for gateway operations, upstream attempts, caching,
//     rate limiting, quotas and mirrors
//   - Logger helpers for platform, operation and mirror fields
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:   "info",
//	    Format:  "json",
//	    Output:  "stdout",
//	    Version: version,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("platform", "arxiv").Msg("gateway registered")
//
// Every entry carries service=paper-search-gateway and, when set, the version.
//
// Add platform, operation and mirror context to a logger:
//
//	logger = observability.WithPlatformContext(logger, "pubmed", "search")
//	logger = observability.WithOperationContext(logger, uuid.NewString())
//	logger = observability.WithMirrorContext(logger, "dblp", "https://dblp.org")
//
// # Metrics
//
// Initialize metrics against the default registry, or a dedicated one in tests:
//
//	metrics := observability.NewMetrics("paper_search")
//	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
//
// Record metrics:
//
//	metrics.RecordRequest("openalex", "search", observability.OutcomeSuccess, elapsed)
//	metrics.RecordCacheHit("openalex")
//
// Metrics also satisfies mirrors.Recorder, so a mirror registry can report
// probe results and status changes directly.
//
// # Context Helpers
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	logger = observability.FromContext(ctx, logger)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - service, version: Set once by NewLogger
//   - request_id: Ops API request identifier
//   - operation_id: Gateway operation identifier, shared by all attempts
//   - platform: Upstream platform (arxiv, semantic_scholar, etc.)
//   - operation: Adapter operation name (search, fetch, download)
//   - backend, mirror: Mirrored backend and the mirror URL in use
//   - attempt: 1-indexed upstream attempt number
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
