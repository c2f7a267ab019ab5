package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"session-proxy-go/internal/config"
	"session-proxy-go/internal/metrics"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	metrics *metrics.Metrics
}

// NewHealthHandler creates a HealthHandler. m may be nil, in which case the
// status refresh counters stay at zero.
func NewHealthHandler(cfg *config.Config, v Version, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, metrics: m}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status      string               `json:"status"`
	Version     string               `json:"version"`
	BackendURL  string               `json:"backend_url"`
	RefreshPath string               `json:"refresh_path"`
	Routes      []string             `json:"routes"`
	Refresh     metrics.RefreshStats `json:"refresh"`
}

// Status reports what the proxy fronts and how credential refresh has gone
// since start. Status is "degraded" once refreshes have failed and none has
// succeeded.
func (h *HealthHandler) Status(c echo.Context) error {
	stats := h.metrics.RefreshStats()
	status := "ok"
	if stats.Success == 0 && stats.Error > 0 {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:      status,
		Version:     string(h.version),
		BackendURL:  h.cfg.Backend.BaseURL,
		RefreshPath: h.cfg.Backend.RefreshPath,
		Routes:      h.cfg.RoutePrefixes(),
		Refresh:     stats,
	})
}
