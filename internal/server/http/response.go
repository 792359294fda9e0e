package httpserver

import (
	"github.com/helixir/paper-search-gateway/internal/mirrors"
	"github.com/helixir/paper-search-gateway/internal/papersources"
)

type readinessResponse struct {
	Status      string   `json:"status"`
	Platforms   int      `json:"platforms"`
	Unavailable []string `json:"unavailable,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type listPlatformsResponse struct {
	Platforms  []papersources.GatewayStatus `json:"platforms"`
	TotalCount int                          `json:"total_count"`
}

type checkMirrorsResponse struct {
	Platform  string           `json:"platform"`
	Available bool             `json:"available"`
	Mirrors   []mirrors.Mirror `json:"mirrors"`
}

type clearCacheResponse struct {
	Platform string `json:"platform"`
	Cleared  bool   `json:"cleared"`
	Message  string `json:"message"`
}

type setRateRequest struct {
	RatePerSecond float64 `json:"rate_per_second" validate:"required,gt=0"`
}
