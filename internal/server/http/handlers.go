package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helixir/paper-search-gateway/internal/domain"
	"github.com/helixir/paper-search-gateway/internal/papersources"
)

const maxRequestBodySize = 1 << 16

// listPlatforms handles GET /api/v1/platforms.
func (s *Server) listPlatforms(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	writeJSON(w, http.StatusOK, listPlatformsResponse{
		Platforms:  statuses,
		TotalCount: len(statuses),
	})
}

// getPlatform handles GET /api/v1/platforms/{platform}.
func (s *Server) getPlatform(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.Status())
}

// checkMirrors handles POST /api/v1/platforms/{platform}/mirrors/check.
func (s *Server) checkMirrors(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w, r)
	if !ok {
		return
	}
	if g.Mirrors() == nil {
		writeDomainError(w, domain.NewValidationError("platform", fmt.Sprintf("%s has no mirrors", g.Platform())))
		return
	}

	checked := g.CheckMirrors(r.Context())
	writeJSON(w, http.StatusOK, checkMirrorsResponse{
		Platform:  g.Platform(),
		Available: g.Available(),
		Mirrors:   checked,
	})
}

// clearCache handles DELETE /api/v1/platforms/{platform}/cache.
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w, r)
	if !ok {
		return
	}
	g.ClearCache()
	writeJSON(w, http.StatusOK, clearCacheResponse{
		Platform: g.Platform(),
		Cleared:  true,
		Message:  "response cache cleared",
	})
}

// setRate handles PUT /api/v1/platforms/{platform}/rate.
func (s *Server) setRate(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gateway(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req setRateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("rate_per_second failed %q check", verrs[0].Tag()))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := g.SetRate(req.RatePerSecond); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info().
		Str("platform", g.Platform()).
		Float64("rate_per_second", req.RatePerSecond).
		Msg("platform rate updated")
	writeJSON(w, http.StatusOK, g.Status())
}

// gateway resolves the {platform} URL parameter, writing a 404 response when
// the platform is not registered.
func (s *Server) gateway(w http.ResponseWriter, r *http.Request) (*papersources.Gateway, bool) {
	g, err := s.registry.Get(chi.URLParam(r, "platform"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return g, true
}

// writeDomainError maps domain errors to appropriate HTTP status codes
// and writes a JSON error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, nf.Error())
		} else {
			writeError(w, http.StatusNotFound, "resource not found")
		}
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrQuotaExhausted):
		writeError(w, http.StatusTooManyRequests, "daily quota exhausted")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrNoMirrorAvailable):
		writeError(w, http.StatusServiceUnavailable, "no mirror available")
	case errors.Is(err, domain.ErrLimiterDisposed), errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
