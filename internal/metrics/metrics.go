// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	RedirectsFollowed prometheus.Counter
	FetchFailures     *prometheus.CounterVec

	Rewrites   *prometheus.CounterVec
	References *prometheus.CounterVec

	MediaRequests      *prometheus.CounterVec
	MediaStreamsActive prometheus.Gauge
	BrowserCommands    *prometheus.CounterVec
	BrowserDuration    *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency (until response headers) in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_redirects_followed_total",
			Help: "Upstream redirect hops followed by the fetcher.",
		}),

		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_fetch_failures_total",
			Help: "Failed fetch chains by failure kind.",
		}, []string{"kind"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_responses_total",
			Help: "Proxied responses by content path (html, css, passthrough).",
		}, []string{"path"}),

		References: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_references_total",
			Help: "References seen by the rewriters by outcome (proxied, unchanged, skipped).",
		}, []string{"outcome"}),

		MediaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_media_requests_total",
			Help: "Media extractor invocations by operation and result.",
		}, []string{"op", "result"}),

		MediaStreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_proxy_media_streams_in_flight",
			Help: "Media streams currently being piped to clients.",
		}),

		BrowserCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_browser_commands_total",
			Help: "Browser automation commands by command and result.",
		}, []string{"command", "result"}),

		BrowserDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_browser_command_duration_seconds",
			Help:    "Browser command latency including the wait for the shared session.",
			Buckets: defaultBuckets,
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RedirectsFollowed,
		m.FetchFailures,
		m.Rewrites,
		m.References,
		m.MediaRequests,
		m.MediaStreamsActive,
		m.BrowserCommands,
		m.BrowserDuration,
	)

	return m
}

// Result returns the result label for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/p", "/healthz", "/proxy/status", "/metrics",
	"/video-info", "/info", "/video-stream", "/stream",
	"/screenshot", "/click", "/type", "/key", "/scroll", "/navigate", "/back",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
