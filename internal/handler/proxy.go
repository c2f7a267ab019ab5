package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"session-proxy-go/internal/config"
	"session-proxy-go/internal/model"
	"session-proxy-go/internal/service"
)

// secretPattern matches credential-looking query parameter values in URLs
// embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:token|password|secret|session)[a-z_]*=)[^&\s"]+`)

// route is a configured inbound prefix with its forwarding options.
type route struct {
	prefix       string
	backendPath  string
	mode         model.Mode
	forwardQuery bool
	skipRefresh  bool
	extraHeaders http.Header
}

// ProxyHandler relays requests under the configured route prefixes to the
// backend through the refreshing ProxyService.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	routes  []route
}

// NewProxyHandler creates a ProxyHandler for cfg.Routes.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	h := &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		r := route{
			prefix:       rc.Prefix,
			backendPath:  rc.BackendPath,
			mode:         rc.PayloadMode(),
			forwardQuery: !rc.NoQuery,
			skipRefresh:  rc.SkipRefresh,
		}
		if r.backendPath == "" {
			r.backendPath = r.prefix
		}
		if len(rc.ExtraHeaders) > 0 {
			r.extraHeaders = make(http.Header, len(rc.ExtraHeaders))
			for k, v := range rc.ExtraHeaders {
				r.extraHeaders.Set(k, v)
			}
		}
		h.routes = append(h.routes, r)
	}
	return h
}

// Prefixes returns the inbound prefixes this handler serves.
func (h *ProxyHandler) Prefixes() []string {
	out := make([]string, 0, len(h.routes))
	for _, r := range h.routes {
		out = append(out, r.prefix)
	}
	return out
}

// match returns the route with the longest prefix covering path.
func (h *ProxyHandler) match(path string) (*route, bool) {
	var best *route
	for i := range h.routes {
		r := &h.routes[i]
		if path != r.prefix && !strings.HasPrefix(path, r.prefix+"/") {
			continue
		}
		if best == nil || len(r.prefix) > len(best.prefix) {
			best = r
		}
	}
	return best, best != nil
}

// Handle proxies the request to the backend and writes the translated
// response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	rt, ok := h.match(req.URL.Path)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no route for path",
		})
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if len(body) == 0 {
		body = nil
	}

	pr := &model.ProxyRequest{
		Method:       req.Method,
		Path:         rt.backendPath + strings.TrimPrefix(req.URL.Path, rt.prefix),
		Query:        req.URL.Query(),
		ForwardQuery: rt.forwardQuery,
		Body:         body,
		ExtraHeaders: rt.extraHeaders,
		Mode:         rt.mode,
		SkipRefresh:  rt.skipRefresh,
	}

	resp, err := h.service.Forward(req.Context(), pr, credential(req))
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Headers the proxy already set (security headers, request id) win over
	// the backend's; Set-Cookie directives accumulate.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		if key != echo.HeaderSetCookie && len(dst.Values(key)) > 0 {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the caller with a
	// truncated body. Only logging is possible here.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// credential is the caller's Cookie header, passed to the backend as is.
func credential(req *http.Request) string {
	return strings.Join(req.Header.Values("Cookie"), "; ")
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	var perr *service.Error
	if errors.As(err, &perr) {
		level := slog.LevelInfo
		if perr.Status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		h.logger.Log(c.Request().Context(), level, "proxy request failed",
			"kind", perr.Kind.String(),
			"status", perr.Status,
			"path", path,
		)
		return c.JSON(perr.Status, map[string]string{
			"error": perr.Message,
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "backend request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "backend request failed",
	})
}

// sanitizeError redacts credential-looking query values from error messages
// that may contain backend URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
