package service

import (
	"context"
	"fmt"
	"net/http"

	"session-proxy-go/internal/cookie"
	"session-proxy-go/internal/metrics"
)

// refresh asks the backend's refresh endpoint for new credentials and
// returns the Set-Cookie directives it issued. A non-2xx answer is terminal
// and comes back as a KindRefreshRejected *Error; no directives from a
// failed refresh are used.
func (s *ProxyService) refresh(ctx context.Context, credential string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh credential: %w", err)
	}

	s.logger.Debug("refreshing credential")

	header := http.Header{
		"Cookie":     {credential},
		"User-Agent": {userAgent},
	}
	resp, err := s.client.DoStream(ctx, http.MethodPost, s.refreshURL, header, nil)
	if err != nil {
		s.metrics.ObserveRefresh(metrics.RefreshError)
		return nil, fmt.Errorf("refresh credential: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.metrics.ObserveRefresh(metrics.RefreshRejected)
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusUnauthorized
		}
		s.logger.Info("credential refresh rejected", "status", status)
		return nil, &Error{
			Kind:    KindRefreshRejected,
			Status:  status,
			Message: extractError(resp.Header.Get("Content-Type"), resp.Body),
		}
	}

	directives := cookie.Directives(resp.Header)
	s.metrics.ObserveRefresh(metrics.RefreshSuccess)
	s.logger.Debug("credential refreshed", "directives", len(directives))
	return directives, nil
}
