// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Refresh outcomes recorded in RefreshTotal.
const (
	RefreshSuccess  = "success"
	RefreshRejected = "rejected"
	RefreshError    = "error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	RefreshTotal *prometheus.CounterVec
	// RetriesTotal counts second attempts made with a refreshed credential.
	RetriesTotal prometheus.Counter
	// CredentialUpdates counts Set-Cookie directives relayed to callers.
	CredentialUpdates *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. Path labels are bounded to the given paths; anything else is
// labelled "other".
func New(paths ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_proxy_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_proxy_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_proxy_refresh_total",
			Help: "Credential refresh attempts by outcome.",
		}, []string{"outcome"}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_proxy_retries_total",
			Help: "Requests retried after a successful credential refresh.",
		}),

		CredentialUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_proxy_credential_updates_total",
			Help: "Set-Cookie directives relayed to callers.",
		}, []string{"path_prefix"}),

		prefixes: append([]string{}, paths...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.RefreshTotal,
		m.RetriesTotal,
		m.CredentialUpdates,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics. The
// longest matching known prefix wins.
func (m *Metrics) NormalizePath(path string) string {
	best := ""
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			if len(prefix) > len(best) {
				best = prefix
			}
		}
	}
	if best == "" {
		return "other"
	}
	return best
}

// ObserveRefresh records one refresh outcome. Safe on a nil receiver.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry records one retried request. Safe on a nil receiver.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RefreshStats is a point-in-time view of the refresh counters.
type RefreshStats struct {
	Success  uint64 `json:"success"`
	Rejected uint64 `json:"rejected"`
	Error    uint64 `json:"error"`
	Retries  uint64 `json:"retries"`
}

// RefreshStats reads the current refresh and retry counts. A nil receiver
// yields zeros.
func (m *Metrics) RefreshStats() RefreshStats {
	if m == nil {
		return RefreshStats{}
	}
	return RefreshStats{
		Success:  counterValue(m.RefreshTotal.WithLabelValues(RefreshSuccess)),
		Rejected: counterValue(m.RefreshTotal.WithLabelValues(RefreshRejected)),
		Error:    counterValue(m.RefreshTotal.WithLabelValues(RefreshError)),
		Retries:  counterValue(m.RetriesTotal),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}
