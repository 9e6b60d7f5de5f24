package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Fetch failures. Callers match them with errors.Is; the wrapped cause
// carries the detail.
var (
	ErrInvalidURL       = errors.New("invalid target URL")
	ErrBadRedirect      = errors.New("redirect without a usable location")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrTimeout          = errors.New("upstream timed out")
	ErrDecode           = errors.New("cannot decode response body")
	ErrUpstream         = errors.New("upstream request failed")
	ErrBlockedAddress   = errors.New("target address is not publicly routable")
)

// Kind returns a short label for a fetch failure, for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrBadRedirect):
		return "bad_redirect"
	case errors.Is(err, ErrTooManyRedirects):
		return "too_many_redirects"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrBlockedAddress):
		return "blocked_address"
	default:
		return "upstream"
	}
}

// ParseTarget validates that raw is an absolute http(s) URL with a host.
// The fragment is dropped since it is never sent upstream.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// redirectTarget resolves a Location header against the URL that produced it.
func redirectTarget(from *url.URL, location string) (*url.URL, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: missing Location from %s", ErrBadRedirect, from.Redacted())
	}
	next, err := from.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRedirect, err)
	}
	if (next.Scheme != "http" && next.Scheme != "https") || next.Host == "" {
		return nil, fmt.Errorf("%w: unsupported Location %q", ErrBadRedirect, location)
	}
	next.Fragment = ""
	next.RawFragment = ""
	return next, nil
}
