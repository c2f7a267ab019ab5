package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"session-proxy-go/internal/client"
	"session-proxy-go/internal/config"
	"session-proxy-go/internal/middleware"
	"session-proxy-go/internal/service"
)

func testConfig(backendURL string, routes ...config.RouteConfig) *config.Config {
	if len(routes) == 0 {
		routes = []config.RouteConfig{
			{Prefix: "/api/material", BackendPath: "/api/materiais", Mode: "json"},
			{Prefix: "/api/servico", BackendPath: "/api/servico", Mode: "json"},
			{Prefix: "/api/relatorios", BackendPath: "/api/relatorios", Mode: "passthrough"},
		}
	}
	return &config.Config{
		Backend: config.BackendConfig{
			BaseURL:         backendURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
			RefreshPath:     "/api/auth/refresh",
			LogoutPath:      "/api/auth/logout",
		},
		Session: config.SessionConfig{
			CookieNames: []string{"access_token", "refresh_token"},
			CookiePath:  "/",
		},
		Routes: routes,
	}
}

func newTestService(t *testing.T, cfg *config.Config) *service.ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func newTestProxyHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyHandler(newTestService(t, cfg), cfg, logger)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestProxyHandler_Handle_RefreshScenario(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth/refresh":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "xyz", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case r.Header.Get("Cookie") == "sid=xyz":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":1}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer backend.Close()

	h := newTestProxyHandler(t, testConfig(backend.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	req.Header.Set("Cookie", "sid=abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"id":1}` {
		t.Errorf("body = %q, want %q", got, `{"id":1}`)
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 1 || got[0] != "sid=xyz; Path=/" {
		t.Errorf("Set-Cookie = %q, want [%q]", got, "sid=xyz; Path=/")
	}
}

func TestProxyHandler_Handle_RouteMapping(t *testing.T) {
	tests := []struct {
		name      string
		routes    []config.RouteConfig
		target    string
		wantPath  string
		wantQuery string
	}{
		{
			name:      "renamed prefix",
			target:    "/api/material/3?ativo=true",
			wantPath:  "/api/materiais/3",
			wantQuery: "ativo=true",
		},
		{
			name:     "bare prefix",
			target:   "/api/material",
			wantPath: "/api/materiais",
		},
		{
			name: "query dropped",
			routes: []config.RouteConfig{
				{Prefix: "/api/config", BackendPath: "/api/config", Mode: "json", NoQuery: true},
			},
			target:   "/api/config?debug=1",
			wantPath: "/api/config",
		},
		{
			name: "longest prefix wins",
			routes: []config.RouteConfig{
				{Prefix: "/api", BackendPath: "/v1", Mode: "json"},
				{Prefix: "/api/usuarios", BackendPath: "/users", Mode: "json"},
			},
			target:   "/api/usuarios/7",
			wantPath: "/users/7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.wantPath {
					t.Errorf("path = %q, want %q", r.URL.Path, tt.wantPath)
				}
				if r.URL.RawQuery != tt.wantQuery {
					t.Errorf("query = %q, want %q", r.URL.RawQuery, tt.wantQuery)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`[]`))
			}))
			defer backend.Close()

			h := newTestProxyHandler(t, testConfig(backend.URL, tt.routes...))

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			if err := h.Handle(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if got := r.Header.Get("X-Origin"); got != "web" {
			t.Errorf("X-Origin = %q, want %q", got, "web")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer backend.Close()

	cfg := testConfig(backend.URL, config.RouteConfig{
		Prefix:       "/api/atividades",
		BackendPath:  "/api/atividades",
		Mode:         "json",
		ExtraHeaders: map[string]string{"x-origin": "web"},
	})
	h := newTestProxyHandler(t, cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/atividades", strings.NewReader(`{"nome": "Poda", "horas": 1.50}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Cookie", "access_token=a1")
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got, want := rec.Body.String(), `{"horas":1.50,"nome":"Poda"}`; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestProxyHandler_Handle_Passthrough(t *testing.T) {
	payload := "%PDF-1.7\x00\xff"
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "" {
			t.Errorf("Accept = %q, want empty", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, payload)
	}))
	defer backend.Close()

	h := newTestProxyHandler(t, testConfig(backend.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/relatorios/mensal", http.NoBody)
	req.Header.Set("Cookie", "access_token=a1")
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q, want application/pdf", got)
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q, want %q", rec.Body.String(), payload)
	}
}

func TestProxyHandler_Handle_ProxyHeadersNotDuplicated(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set(echo.HeaderXRequestID, "backend-id")
		w.Header().Add("Set-Cookie", "a=1; Path=/")
		w.Header().Add("Set-Cookie", "b=2; Path=/")
		_, _ = io.WriteString(w, "%PDF")
	}))
	defer backend.Close()

	h := newTestProxyHandler(t, testConfig(backend.URL))

	e := echo.New()
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: func() string { return "proxy-id" },
	}))
	e.Use(middleware.SecurityHeaders())
	e.GET("/api/relatorios/*", h.Handle)

	req := httptest.NewRequest(http.MethodGet, "/api/relatorios/mensal", http.NoBody)
	req.Header.Set("Cookie", "access_token=a1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	for key, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		echo.HeaderXRequestID:    "proxy-id",
		"Content-Type":           "application/pdf",
	} {
		if got := rec.Header().Values(key); len(got) != 1 || got[0] != want {
			t.Errorf("%s = %q, want exactly [%q]", key, got, want)
		}
	}
	if got := strings.Join(rec.Header().Values("Set-Cookie"), ","); got != "a=1; Path=/,b=2; Path=/" {
		t.Errorf("Set-Cookie = %q, want both directives", got)
	}
}

func TestProxyHandler_Handle_JoinsCookieHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("Cookie"), "a=1; b=2"; got != want {
			t.Errorf("Cookie = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	h := newTestProxyHandler(t, testConfig(backend.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/material/1", http.NoBody)
	req.Header.Add("Cookie", "a=1")
	req.Header.Add("Cookie", "b=2")
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestProxyHandler_Handle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		backend    http.HandlerFunc
		wantStatus int
		wantError  string
	}{
		{
			name:   "backend rejection relayed",
			cookie: "sid=abc",
			backend: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"message":"Quantidade inválida"}`))
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "Quantidade inválida",
		},
		{
			name: "no credential",
			backend: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthenticated",
		},
		{
			name:   "refresh rejected",
			cookie: "sid=abc",
			backend: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				if r.URL.Path == "/api/auth/refresh" {
					_, _ = w.Write([]byte(`{"error":"refresh token expired"}`))
				}
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "refresh token expired",
		},
		{
			name:   "retry exhausted",
			cookie: "sid=abc",
			backend: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/auth/refresh" {
					w.WriteHeader(http.StatusOK)
					return
				}
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "unexpected proxy failure",
		},
		{
			name:   "non-json success",
			cookie: "sid=abc",
			backend: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<h1>maintenance</h1>"))
			},
			wantStatus: http.StatusBadGateway,
			wantError:  "<h1>maintenance</h1>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := httptest.NewServer(tt.backend)
			defer backend.Close()

			h := newTestProxyHandler(t, testConfig(backend.URL))

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
			if tt.cookie != "" {
				req.Header.Set("Cookie", tt.cookie)
			}
			rec := httptest.NewRecorder()

			if err := h.Handle(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	h := newTestProxyHandler(t, testConfig(backend.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "client disconnected" {
		t.Errorf("error = %q, want %q", got, "client disconnected")
	}
}

func TestProxyHandler_Handle_DeadlineExceeded(t *testing.T) {
	h := newTestProxyHandler(t, testConfig("http://127.0.0.1:1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	ctx, cancel := context.WithDeadline(req.Context(), time.Now().Add(-time.Second))
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestProxyHandler_Handle_ConnectionRefused(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backendURL := backend.URL
	backend.Close()

	h := newTestProxyHandler(t, testConfig(backendURL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "backend connection failed" {
		t.Errorf("error = %q, want %q", got, "backend connection failed")
	}
}

func TestProxyHandler_Handle_UnknownPath(t *testing.T) {
	h := newTestProxyHandler(t, testConfig("http://127.0.0.1:1"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/materials", http.NoBody)
	rec := httptest.NewRecorder()

	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "backend.internal"}
	wrapped := fmt.Errorf("forward to backend: %w", dnsErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "backend host unreachable" {
		t.Errorf("error = %q, want %q", got, "backend host unreachable")
	}
}

func TestProxyHandler_mapError_URLError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	urlErr := &url.Error{Op: "Get", URL: "http://backend/api", Err: fmt.Errorf("connection refused")}
	wrapped := fmt.Errorf("forward to backend: %w", urlErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "backend connection failed" {
		t.Errorf("error = %q, want %q", got, "backend connection failed")
	}
}

func TestProxyHandler_mapError_Other(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/servico", http.NoBody)
	rec := httptest.NewRecorder()

	if err := h.mapError(e.NewContext(req, rec), fmt.Errorf("read backend response: %w", io.ErrUnexpectedEOF)); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeError(t, rec); got != "backend request failed" {
		t.Errorf("error = %q, want %q", got, "backend request failed")
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts token in URL",
			err:  `Get "http://backend/api/servico?access_token=secret123&page=2": connection refused`,
			want: `Get "http://backend/api/servico?access_token=[REDACTED]&page=2": connection refused`,
		},
		{
			name: "redacts password at end of URL",
			err:  `Post "http://backend/api/auth/login?password=hunter2": EOF`,
			want: `Post "http://backend/api/auth/login?password=[REDACTED]": EOF`,
		},
		{
			name: "no secrets unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
