package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"session-proxy-go/internal/config"
	"session-proxy-go/internal/cookie"
	"session-proxy-go/internal/service"
)

// SessionHandler serves the auth check and logout endpoints.
type SessionHandler struct {
	service     *service.ProxyService
	logger      *slog.Logger
	cookieNames []string
	cookiePath  string
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		service:     svc,
		logger:      logger.With("component", "session_handler"),
		cookieNames: cfg.Session.CookieNames,
		cookiePath:  cfg.Session.CookiePath,
	}
}

// AuthCheck reports whether the caller carries any session cookie. It does
// not contact the backend.
func (h *SessionHandler) AuthCheck(c echo.Context) error {
	jar := cookie.Parse(credential(c.Request()))
	for _, name := range h.cookieNames {
		if v, ok := jar.Get(name); ok && v != "" {
			return c.JSON(http.StatusOK, map[string]bool{"authenticated": true})
		}
	}
	return c.JSON(http.StatusUnauthorized, map[string]bool{"authenticated": false})
}

// Logout ends the backend session and expires the session cookies. The
// cookies are expired even when the backend call fails.
func (h *SessionHandler) Logout(c echo.Context) error {
	req := c.Request()
	if cred := credential(req); cred != "" {
		if err := h.service.Logout(req.Context(), cred); err != nil {
			h.logger.Warn("backend logout failed", "err", sanitizeError(err))
		}
	}

	for _, name := range h.cookieNames {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    "",
			Path:     h.cookiePath,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
