// Package model defines shared types for the proxy.
package model

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Mode selects how a proxied payload is handled.
type Mode string

const (
	// ModeJSON is CRUD semantics: bodies are parsed and re-serialized as JSON
	// and Accept: application/json is asserted upstream.
	ModeJSON Mode = "json"
	// ModePassthrough streams binary bodies and headers through unmodified.
	ModePassthrough Mode = "passthrough"
)

// ParseMode converts a config value into a Mode. Empty means ModeJSON.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeJSON:
		return ModeJSON, nil
	case ModePassthrough:
		return ModePassthrough, nil
	}
	return "", fmt.Errorf("unknown payload mode %q", s)
}

// ProxyRequest describes one inbound call to be relayed to the backend.
// It is built once by the handler and must not be modified afterwards.
type ProxyRequest struct {
	Method string
	// Path is the backend path, already mapped from the inbound route.
	Path  string
	Query url.Values
	// ForwardQuery controls whether Query is appended to the backend URL.
	ForwardQuery bool
	// Body is nil when the caller sent none.
	Body         []byte
	ExtraHeaders http.Header
	Mode         Mode
	// SkipRefresh surfaces a backend 401 as-is instead of refreshing.
	SkipRefresh bool
}

// HasBody reports whether the request carries a body upstream. GET, HEAD
// and DELETE never do.
func (r *ProxyRequest) HasBody() bool {
	if len(r.Body) == 0 {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}

// ProxyResponse represents the response to be written back to the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// HopByHopHeaders are headers that should not be forwarded by proxies.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
