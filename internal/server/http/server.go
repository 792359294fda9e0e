// Package httpserver provides the operational HTTP API of the paper search gateway.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-search-gateway/internal/papersources"
)

// Server is the operational HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	registry   *papersources.Registry
	validate   *validator.Validate
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server serving the state of the given gateways.
func NewServer(cfg Config, registry *papersources.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(requestLogMiddleware(s.logger))
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1/platforms", func(r chi.Router) {
		r.Get("/", s.listPlatforms)
		r.Route("/{platform}", func(r chi.Router) {
			r.Get("/", s.getPlatform)
			r.Post("/mirrors/check", s.checkMirrors)
			r.Delete("/cache", s.clearCache)
			r.Put("/rate", s.setRate)
		})
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler reports ready once gateways are registered and every one
// of them can issue requests.
func (s *Server) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	gateways := s.registry.All()
	if len(gateways) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status: "not_ready",
			Error:  "no platforms registered",
		})
		return
	}

	var unavailable []string
	for _, g := range gateways {
		if !g.Available() {
			unavailable = append(unavailable, g.Platform())
		}
	}
	if len(unavailable) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status:      "not_ready",
			Platforms:   len(gateways),
			Unavailable: unavailable,
		})
		return
	}

	writeJSON(w, http.StatusOK, readinessResponse{
		Status:    "ready",
		Platforms: len(gateways),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort log; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
