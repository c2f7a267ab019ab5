package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"session-proxy-go/internal/config"
	"session-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// routes take precedence over the proxied prefixes in Echo's router.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	proxy *ProxyHandler,
	session *SessionHandler,
	health *HealthHandler,
) {
	e.GET(config.HealthzPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	e.GET(config.AuthCheckPath, session.AuthCheck)
	e.POST(config.AuthLogoutPath, session.Logout)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, prefix := range proxy.Prefixes() {
		e.Any(prefix, proxy.Handle)
		e.Any(prefix+"/*", proxy.Handle)
	}
}
