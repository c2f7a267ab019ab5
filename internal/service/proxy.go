// Package service implements the credential-refreshing proxy lifecycle.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"session-proxy-go/internal/client"
	"session-proxy-go/internal/config"
	"session-proxy-go/internal/cookie"
	"session-proxy-go/internal/metrics"
	"session-proxy-go/internal/model"
)

const userAgent = "session-proxy-go/1.0"

// state is a step of one exchange. Transitions:
//
//	attempt1 -> refreshing -> attempt2 -> done
//
// with any state allowed to jump straight to done.
type state int

const (
	stateAttempt1 state = iota
	stateRefreshing
	stateAttempt2
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAttempt1:
		return "attempt1"
	case stateRefreshing:
		return "refreshing"
	case stateAttempt2:
		return "attempt2"
	}
	return "done"
}

// exchange is the call-local state of one Forward.
type exchange struct {
	state      state
	credential string
	// pending are the Set-Cookie directives obtained by a refresh; they are
	// relayed to the caller with the final response.
	pending  []string
	attempts int
}

// ProxyService relays requests to the backend, refreshing the caller's
// credential once on 401. It holds no per-call state and is safe for
// concurrent use.
type ProxyService struct {
	client     *client.BackendClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	baseURL    *url.URL
	refreshURL string
	logoutURL  string
}

// NewProxyService creates a ProxyService. The metrics parameter may be nil.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	s := &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: u,
	}
	s.refreshURL = s.buildBackendURL(cfg.Backend.RefreshPath, nil, false)
	s.logoutURL = s.buildBackendURL(cfg.Backend.LogoutPath, nil, false)
	return s, nil
}

// Forward relays pr to the backend with credential as the Cookie header.
//
// A 401 with a credential triggers one refresh; on success the request is
// retried once with the merged credential. Failures meant for the caller
// are returned as *Error; transport failures are returned wrapped. The
// caller is responsible for closing the returned body.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest, credential string) (*model.ProxyResponse, error) {
	target := s.buildBackendURL(pr.Path, pr.Query, pr.ForwardQuery)
	ex := &exchange{state: stateAttempt1, credential: credential}

	var (
		resp *model.ProxyResponse
		err  error
	)
	for ex.state != stateDone {
		switch ex.state {
		case stateAttempt1, stateAttempt2:
			resp, err = s.attempt(ctx, pr, target, ex)
		case stateRefreshing:
			err = s.refreshExchange(ctx, ex)
		}
		if err != nil {
			ex.state = stateDone
		}
	}
	return resp, err
}

// attempt issues the request once and moves ex to its next state.
func (s *ProxyService) attempt(ctx context.Context, pr *model.ProxyRequest, target string, ex *exchange) (*model.ProxyResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	ex.attempts++

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"attempt", ex.attempts,
	)

	resp, err := s.send(ctx, pr, target, ex.credential)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || pr.SkipRefresh {
		ex.state = stateDone
		return s.translate(resp, pr.Mode, ex.pending)
	}
	drainAndClose(resp.Body)

	switch {
	case ex.state == stateAttempt2:
		s.logger.Warn("backend rejected refreshed credential",
			"method", pr.Method,
			"path", pr.Path,
		)
		return nil, ErrExhausted
	case ex.credential == "":
		return nil, ErrUnauthenticated
	}
	ex.state = stateRefreshing
	return nil, nil
}

// refreshExchange runs the refresh step and prepares the second attempt.
func (s *ProxyService) refreshExchange(ctx context.Context, ex *exchange) error {
	directives, err := s.refresh(ctx, ex.credential)
	if err != nil {
		return err
	}
	ex.pending = directives
	if len(directives) > 0 {
		ex.credential = cookie.Merge(ex.credential, directives)
	}
	s.metrics.ObserveRetry()
	ex.state = stateAttempt2
	return nil
}

func (s *ProxyService) send(ctx context.Context, pr *model.ProxyRequest, target, credential string) (*model.ProxyResponse, error) {
	var body io.Reader
	if pr.HasBody() {
		body = bytes.NewReader(pr.Body)
	}

	resp, err := s.client.DoStream(ctx, pr.Method, target, s.buildHeaders(pr, credential), body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	return resp, nil
}

// buildHeaders assembles the outbound headers in order: credential, accept
// hint, caller-supplied extras, then the body content type.
func (s *ProxyService) buildHeaders(pr *model.ProxyRequest, credential string) http.Header {
	dst := make(http.Header)
	dst.Set("User-Agent", userAgent)
	if credential != "" {
		dst.Set("Cookie", credential)
	}
	if pr.Mode == model.ModeJSON {
		dst.Set("Accept", "application/json")
	}
	for key, vals := range pr.ExtraHeaders {
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	if pr.HasBody() {
		dst.Set("Content-Type", "application/json")
	}
	return dst
}

func (s *ProxyService) buildBackendURL(path string, query url.Values, forwardQuery bool) string {
	u := *s.baseURL
	u.Path = s.baseURL.Path + path
	u.RawPath = ""
	u.RawQuery = ""
	if forwardQuery && len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Logout tells the backend to end the session. It is best effort: the
// response status is logged, not returned.
func (s *ProxyService) Logout(ctx context.Context, credential string) error {
	header := http.Header{"User-Agent": {userAgent}}
	if credential != "" {
		header.Set("Cookie", credential)
	}
	resp, err := s.client.DoStream(ctx, http.MethodPost, s.logoutURL, header, nil)
	if err != nil {
		return fmt.Errorf("backend logout: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Warn("backend logout rejected", "status", resp.StatusCode)
	}
	return nil
}
