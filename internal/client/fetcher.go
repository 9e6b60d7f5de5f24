// Package client provides the upstream HTTP fetcher: manual redirect
// following, response decompression and per-attempt deadlines.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

const (
	acceptHeader          = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptEncodingHeader  = "gzip, deflate, br"
	defaultAcceptLanguage = "en-US,en;q=0.9"
)

// identityHeaders are owned by the fetcher; per-request extras cannot set them.
var identityHeaders = map[string]bool{
	"User-Agent":        true,
	"Accept":            true,
	"Accept-Encoding":   true,
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

var errDeadline = errors.New("attempt deadline exceeded")

// Fetcher retrieves upstream resources on behalf of proxy clients.
type Fetcher struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	userAgent    string
	timeout      time.Duration
	maxRedirects int
}

// NewFetcher creates a Fetcher with connection pooling. Redirects are never
// followed by the transport; Fetch walks them itself so each hop can be
// validated and counted. The metrics parameter is optional.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !cfg.Upstream.AllowPrivateAddresses {
		dialer.Control = guardControl
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}

	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       logger.With("component", "fetcher"),
		metrics:      m,
		userAgent:    cfg.Upstream.UserAgent,
		timeout:      time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		maxRedirects: cfg.Upstream.MaxRedirects,
	}
}

// Fetch performs a GET for tr.URL, following at most maxRedirects redirects.
// Each attempt in the chain gets its own deadline. On success the caller
// owns the returned Body and must close it.
func (f *Fetcher) Fetch(ctx context.Context, tr model.TargetRequest) (*model.FetchResult, error) {
	current, err := ParseTarget(tr.URL)
	if err != nil {
		return nil, f.failed(err)
	}

	for redirects := 0; ; redirects++ {
		resp, a, err := f.attempt(ctx, current, tr)
		if err != nil {
			return nil, f.failed(err)
		}

		if !isRedirect(resp.StatusCode) {
			return f.result(resp, a, current, redirects)
		}

		next, err := redirectTarget(current, resp.Header.Get("Location"))
		drainAndClose(resp.Body)
		a.stop()
		if err != nil {
			return nil, f.failed(err)
		}
		if redirects >= f.maxRedirects {
			return nil, f.failed(fmt.Errorf("%w: more than %d hops, stopped at %s",
				ErrTooManyRedirects, f.maxRedirects, current.Redacted()))
		}

		f.logger.Debug("following redirect",
			"status", resp.StatusCode,
			"from", current.Redacted(),
			"to", next.Redacted(),
		)
		if f.metrics != nil {
			f.metrics.RedirectsFollowed.Inc()
		}
		current = next
	}
}

// attempt issues a single request. The returned attempt owns the deadline
// timer; it must be stopped once the response is no longer needed.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL, tr model.TargetRequest) (*http.Response, *attempt, error) {
	a := newAttempt(ctx, f.timeout)

	req, err := http.NewRequestWithContext(a.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		a.stop()
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	f.setHeaders(req, tr)

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via FetchResult
	duration := time.Since(start).Seconds()

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
	}
	if err != nil {
		err = a.classify(err)
		a.stop()
		return nil, nil, err
	}
	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}

	f.logger.Debug("upstream response",
		"url", u.Redacted(),
		"status", resp.StatusCode,
		"duration_ms", int64(duration*1000),
	)
	return resp, a, nil
}

func (f *Fetcher) setHeaders(req *http.Request, tr model.TargetRequest) {
	for k, v := range tr.ExtraHeaders {
		if identityHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	ua := f.userAgent
	if tr.UserAgent != "" {
		ua = tr.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Encoding", acceptEncodingHeader)
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", defaultAcceptLanguage)
	}
}

func (f *Fetcher) result(resp *http.Response, a *attempt, u *url.URL, redirects int) (*model.FetchResult, error) {
	raw := &deadlineBody{rc: resp.Body, a: a}

	body, decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		_ = raw.Close()
		return nil, f.failed(err)
	}

	header := resp.Header.Clone()
	header.Del("Content-Encoding")
	if decoded {
		header.Del("Content-Length")
	}

	return &model.FetchResult{
		StatusCode:   resp.StatusCode,
		Header:       header,
		ContentType:  header.Get("Content-Type"),
		URL:          u,
		Redirects:    redirects,
		Decoded:      decoded,
		Body:         body,
		StopDeadline: a.timer.Stop,
	}, nil
}

func (f *Fetcher) failed(err error) error {
	if f.metrics != nil {
		f.metrics.FetchFailures.WithLabelValues(Kind(err)).Inc()
	}
	return err
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// drainAndClose reads a bounded amount of a discarded body so the
// connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 64<<10)
	_ = body.Close()
}

// attempt bounds one request and its body with a deadline that can be lifted
// after the headers arrive.
type attempt struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func newAttempt(parent context.Context, timeout time.Duration) *attempt {
	ctx, cancel := context.WithCancelCause(parent)
	a := &attempt{ctx: ctx, cancel: cancel}
	a.timer = time.AfterFunc(timeout, func() { cancel(errDeadline) })
	return a
}

func (a *attempt) stop() {
	a.timer.Stop()
	a.cancel(context.Canceled)
}

// classify maps a transport error to the fetch sentinel it represents.
func (a *attempt) classify(err error) error {
	switch {
	case errors.Is(err, ErrBlockedAddress):
		return err
	case errors.Is(context.Cause(a.ctx), errDeadline):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

// deadlineBody tears down the attempt when closed and classifies read errors.
type deadlineBody struct {
	rc io.ReadCloser
	a  *attempt
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = b.a.classify(err)
	}
	return n, err
}

func (b *deadlineBody) Close() error {
	err := b.rc.Close()
	b.a.stop()
	return err
}
