package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"session-proxy-go/internal/model"
)

const (
	fallbackErrorMessage   = "backend error"
	invalidResponseMessage = "invalid backend response"
	// maxErrorBody bounds how much of a failure body is read for its message.
	maxErrorBody = 64 << 10
)

// translate turns a non-401 backend response into the caller-facing
// response. resp.Body is consumed and closed except in passthrough mode,
// where it becomes the returned body.
func (s *ProxyService) translate(resp *model.ProxyResponse, mode model.Mode, pending []string) (*model.ProxyResponse, error) {
	if resp.StatusCode >= http.StatusBadRequest {
		defer drainAndClose(resp.Body)
		return nil, &Error{
			Kind:    KindBackendRejected,
			Status:  resp.StatusCode,
			Message: extractError(resp.Header.Get("Content-Type"), resp.Body),
		}
	}

	if mode == model.ModePassthrough {
		header := resp.Header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		for _, h := range model.HopByHopHeaders {
			header.Del(h)
		}
		appendDirectives(header, pending)
		return &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       resp.Body,
		}, nil
	}

	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNoContent {
		header := make(http.Header)
		appendDirectives(header, pending)
		return &model.ProxyResponse{
			StatusCode: http.StatusNoContent,
			Header:     header,
			Body:       http.NoBody,
		}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = invalidResponseMessage
		}
		return nil, &Error{Kind: KindTranslation, Status: http.StatusBadGateway, Message: msg}
	}

	data, err := reencodeJSON(raw)
	if err != nil {
		s.logger.Warn("backend sent malformed JSON", "err", err, "status", resp.StatusCode)
		return nil, &Error{Kind: KindTranslation, Status: http.StatusBadGateway, Message: invalidResponseMessage}
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	appendDirectives(header, pending)
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// appendDirectives adds Set-Cookie values without touching existing ones.
func appendDirectives(h http.Header, directives []string) {
	for _, d := range directives {
		h.Add("Set-Cookie", d)
	}
}

// reencodeJSON parses a single JSON document and serializes it again.
// Numbers are kept as written.
func reencodeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode: trailing data after JSON document")
	}
	return json.Marshal(v)
}

// isJSON reports whether a Content-Type names a JSON payload
// (application/json or any +json suffix).
func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// errorStrategy tries to produce a message from a failure body.
type errorStrategy func(body []byte) (string, bool)

// errorExtraction maps content types to the strategies tried in order. The
// last row matches everything.
var errorExtraction = []struct {
	match      func(contentType string) bool
	strategies []errorStrategy
}{
	{isJSON, []errorStrategy{structuredMessage, rawText}},
	{func(string) bool { return true }, []errorStrategy{rawText}},
}

// extractError reads a failure body and picks its message. It never
// returns an empty string.
func extractError(contentType string, body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return fallbackErrorMessage
	}
	return errorMessage(contentType, raw)
}

func errorMessage(contentType string, raw []byte) string {
	for _, row := range errorExtraction {
		if !row.match(contentType) {
			continue
		}
		for _, strategy := range row.strategies {
			if msg, ok := strategy(raw); ok {
				return msg
			}
		}
		break
	}
	return fallbackErrorMessage
}

// structuredMessage prefers a string "error" field, then "message", then
// the compact JSON text of the whole document.
func structuredMessage(body []byte) (string, bool) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", false
	}
	if obj, ok := v.(map[string]any); ok {
		for _, key := range []string{"error", "message"} {
			if s, ok := obj[key].(string); ok {
				return s, true
			}
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return "", false
	}
	return buf.String(), true
}

func rawText(body []byte) (string, bool) {
	s := strings.TrimSpace(string(body))
	return s, s != ""
}

// drainAndClose discards a bounded remainder so the connection can be
// reused, then closes the body.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
