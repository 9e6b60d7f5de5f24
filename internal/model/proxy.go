// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// TargetRequest describes one outbound fetch on behalf of a client.
type TargetRequest struct {
	URL string
	// ExtraHeaders are merged into the upstream request. They never replace
	// the fetcher's identity headers (User-Agent, Accept, Accept-Encoding).
	ExtraHeaders map[string]string
	// UserAgent explicitly replaces the identity User-Agent when non-empty.
	UserAgent string
}

// FetchResult is the normalized outcome of a fetch chain after redirects.
// Body is already decompressed; Header never carries Content-Encoding.
// The caller is responsible for closing Body.
type FetchResult struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	// URL is the final URL after redirects; it is the base for rewriting.
	URL       *url.URL
	Redirects int
	// Decoded reports whether a content-encoding was removed, in which case
	// the upstream Content-Length no longer describes Body.
	Decoded bool
	Body    io.ReadCloser
	// StopDeadline lifts the per-attempt fetch deadline so Body can be
	// streamed for as long as the client stays connected. It reports false
	// if the deadline had already fired.
	StopDeadline func() bool
}

// ProxyRequest represents an inbound /p request.
type ProxyRequest struct {
	Ctx context.Context
	// Target is the raw value of the u parameter.
	Target string
	// Origin is the scheme+host of this proxy as seen by the client.
	Origin string
	Header http.Header
}

// ProxyResponse represents the response to stream back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	// ContentLength is -1 when unknown.
	ContentLength int64
	Body          io.ReadCloser
}
