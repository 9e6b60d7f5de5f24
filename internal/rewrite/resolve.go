// Package rewrite turns references in fetched HTML and CSS into proxied
// references and injects the client-side interceptor into HTML pages.
package rewrite

import (
	"net/url"
	"strings"
)

// proxyPath is the path and parameter name of the proxy endpoint.
const proxyPath = "/p?u="

// skipPrefixes are reference forms that are never proxied.
var skipPrefixes = []string{"data:", "blob:", "#", "javascript:", "mailto:"}

// Context carries the per-document inputs shared by the HTML and CSS rewriters.
type Context struct {
	// Base is the absolute URL relative references resolve against.
	Base *url.URL
	// Origin is the scheme and host of the proxy as seen by the client,
	// without a trailing slash.
	Origin string
}

// Outcome classifies what happened to a single reference.
type Outcome int

const (
	// Unchanged references are deliberately kept: excluded schemes, values
	// that are already proxied, and non-http(s) results.
	Unchanged Outcome = iota
	// Proxied references were rewritten to the proxy endpoint.
	Proxied
	// Skipped references could not be resolved and were left as-is.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Proxied:
		return "proxied"
	case Skipped:
		return "skipped"
	default:
		return "unchanged"
	}
}

// ProxyURL renders the proxied form of an absolute target URL.
func ProxyURL(origin, target string) string {
	return origin + proxyPath + url.QueryEscape(target)
}

func (rc Context) prefix() string {
	return rc.Origin + proxyPath
}

// IsProxied reports whether v already points at the proxy endpoint.
func (rc Context) IsProxied(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, rc.prefix()) || strings.HasPrefix(v, proxyPath)
}

// Unwrap returns the target carried by a proxied reference.
func (rc Context) Unwrap(v string) (string, bool) {
	v = strings.TrimSpace(v)
	var query string
	switch {
	case rc.Origin != "" && strings.HasPrefix(v, rc.prefix()):
		query = v[len(rc.Origin)+len("/p?"):]
	case strings.HasPrefix(v, proxyPath):
		query = v[len("/p?"):]
	default:
		return "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", false
	}
	target := values.Get("u")
	return target, target != ""
}

// Resolve returns the proxied form of raw resolved against the page base.
// Any value that must not or cannot be proxied is returned unchanged.
func (rc Context) Resolve(raw string) (string, Outcome) {
	v := strings.TrimSpace(raw)
	if v == "" || hasSkipPrefix(v) || rc.IsProxied(v) {
		return raw, Unchanged
	}
	abs, err := rc.Base.Parse(v)
	if err != nil {
		return raw, Skipped
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw, Unchanged
	}
	return ProxyURL(rc.Origin, abs.String()), Proxied
}

func hasSkipPrefix(v string) bool {
	lower := strings.ToLower(v)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
