// Package service implements the fetch-and-rewrite pipeline behind /p.
package service

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/ruleset"
)

// sniffLen is how much of an untyped body is inspected to guess its type.
const sniffLen = 3072

// strippedResponseHeaders never reach the client: they block framing or
// cross-origin use, describe the upstream encoding, or belong to the
// upstream connection or origin.
var strippedResponseHeaders = map[string]bool{
	"X-Frame-Options":                     true,
	"Content-Security-Policy":             true,
	"Content-Security-Policy-Report-Only": true,
	"X-Content-Type-Options":              true,
	"Content-Encoding":                    true,
	"Content-Length":                      true,
	"Set-Cookie":                          true,
	"Set-Cookie2":                         true,
	"Strict-Transport-Security":           true,
	"Cross-Origin-Opener-Policy":          true,
	"Cross-Origin-Embedder-Policy":        true,
	"Cross-Origin-Resource-Policy":        true,
	"Permissions-Policy":                  true,
	"Alt-Svc":                             true,
	"Location":                            true,
	"Report-To":                           true,
	"Nel":                                 true,
	// Hop-by-hop.
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// contentKind selects the rewrite path for a response.
type contentKind string

const (
	kindHTML        contentKind = "html"
	kindCSS         contentKind = "css"
	kindPassthrough contentKind = "passthrough"
	kindOversize    contentKind = "oversize"
)

// ProxyService fetches a target and rewrites it for the client.
type ProxyService struct {
	fetcher  *client.Fetcher
	rewriter *rewrite.Rewriter
	rules    ruleset.RuleSet
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f *client.Fetcher, rw *rewrite.Rewriter, rules ruleset.RuleSet, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fetcher:  f,
		rewriter: rw,
		rules:    rules,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// Forward fetches pr.Target and returns the response to send to the client.
// HTML and CSS bodies are rewritten in full; every other body is streamed.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := client.ParseTarget(pr.Target)
	if err != nil {
		return nil, err
	}

	res, err := s.fetcher.Fetch(pr.Ctx, s.targetRequest(target, pr.Header))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}

	body := bufio.NewReaderSize(res.Body, sniffLen)
	mediaType, sniffed := s.mediaType(res, body)

	kind := kindPassthrough
	if hasBody(res.StatusCode) {
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			kind = kindHTML
		case "text/css":
			kind = kindCSS
		}
	}

	s.logger.Debug("dispatching response",
		"url", res.URL.Redacted(),
		"status", res.StatusCode,
		"media_type", mediaType,
		"kind", string(kind),
		"redirects", res.Redirects,
	)

	if kind == kindPassthrough {
		return s.passthrough(res, body, nil, sniffed), nil
	}
	rc := rewrite.Context{Base: res.URL, Origin: pr.Origin}
	return s.rewrite(res, body, kind, rc)
}

// targetRequest builds the upstream request: the client's language
// preference plus whatever the matching rule adds.
func (s *ProxyService) targetRequest(target *url.URL, inbound http.Header) model.TargetRequest {
	tr := model.TargetRequest{
		URL:          target.String(),
		ExtraHeaders: make(map[string]string),
	}
	if lang := inbound.Get("Accept-Language"); lang != "" {
		tr.ExtraHeaders["Accept-Language"] = lang
	}
	if rule, ok := s.rules.Match(target.Hostname()); ok {
		extra, ua := rule.RequestHeaders()
		maps.Copy(tr.ExtraHeaders, extra)
		tr.UserAgent = ua
	}
	return tr
}

// mediaType returns the lower-cased media type of the response, ignoring
// parameters. When upstream declared none, the body is sniffed and the
// detected Content-Type is returned as well.
func (s *ProxyService) mediaType(res *model.FetchResult, body *bufio.Reader) (string, string) {
	if res.ContentType != "" {
		if mt, _, err := mime.ParseMediaType(res.ContentType); err == nil {
			return strings.ToLower(mt), ""
		}
	}
	head, _ := body.Peek(sniffLen)
	if len(head) == 0 {
		return "", ""
	}
	detected := mimetype.Detect(head).String()
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return "", ""
	}
	return strings.ToLower(mt), detected
}

// rewrite buffers an HTML or CSS body, converts it to UTF-8 and rewrites it.
// Bodies above the rewrite limit are streamed unchanged instead.
func (s *ProxyService) rewrite(res *model.FetchResult, body *bufio.Reader, kind contentKind, rc rewrite.Context) (*model.ProxyResponse, error) {
	limit := s.cfg.Proxy.MaxRewriteBytes
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		_ = res.Body.Close()
		return nil, fmt.Errorf("read %s: %w", res.URL.Redacted(), err)
	}
	if int64(len(data)) > limit {
		s.logger.Warn("document exceeds rewrite limit; forwarding unchanged",
			"url", res.URL.Redacted(),
			"limit_bytes", limit,
		)
		return s.passthrough(res, body, data, ""), nil
	}
	_ = res.Body.Close()

	text := toUTF8(data, res.ContentType)

	var (
		out         []byte
		stats       rewrite.Stats
		contentType string
	)
	switch kind {
	case kindHTML:
		out, stats = s.rewriter.HTML(text, rc)
		contentType = "text/html; charset=utf-8"
	default:
		out, stats = s.rewriter.CSS(text, rc)
		contentType = "text/css; charset=utf-8"
	}

	s.record(kind, stats)
	if stats.Skipped > 0 {
		s.logger.Info("some references could not be resolved",
			"url", res.URL.Redacted(),
			"skipped", stats.Skipped,
		)
	}

	header := filterResponseHeaders(res.Header)
	header.Set("Content-Type", contentType)

	return &model.ProxyResponse{
		StatusCode:    res.StatusCode,
		Header:        header,
		ContentLength: int64(len(out)),
		Body:          io.NopCloser(bytes.NewReader(out)),
	}, nil
}

// passthrough streams the body as received. prefix holds bytes already
// consumed from body. The fetch deadline is lifted so large media can stream
// for as long as the client keeps reading.
func (s *ProxyService) passthrough(res *model.FetchResult, body *bufio.Reader, prefix []byte, sniffed string) *model.ProxyResponse {
	res.StopDeadline()

	kind := kindPassthrough
	if prefix != nil {
		kind = kindOversize
	}
	s.record(kind, rewrite.Stats{})

	header := filterResponseHeaders(res.Header)
	if sniffed != "" {
		header.Set("Content-Type", sniffed)
	}

	length := int64(-1)
	if !res.Decoded {
		if n, err := strconv.ParseInt(res.Header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			length = n
		}
	}

	var r io.Reader = body
	if len(prefix) > 0 {
		r = io.MultiReader(bytes.NewReader(prefix), body)
	}
	return &model.ProxyResponse{
		StatusCode:    res.StatusCode,
		Header:        header,
		ContentLength: length,
		Body:          readCloser{Reader: r, Closer: res.Body},
	}
}

func (s *ProxyService) record(kind contentKind, stats rewrite.Stats) {
	if s.metrics == nil {
		return
	}
	s.metrics.Rewrites.WithLabelValues(string(kind)).Inc()
	if kind == kindHTML || kind == kindCSS {
		s.metrics.References.WithLabelValues(rewrite.Proxied.String()).Add(float64(stats.Proxied))
		s.metrics.References.WithLabelValues(rewrite.Unchanged.String()).Add(float64(stats.Unchanged))
		s.metrics.References.WithLabelValues(rewrite.Skipped.String()).Add(float64(stats.Skipped))
	}
}

// filterResponseHeaders copies upstream headers minus the stripped set and
// marks the response as readable from any origin.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+1)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if strippedResponseHeaders[canonical] || strings.HasPrefix(canonical, "Access-Control-") {
			continue
		}
		dst[canonical] = vals
	}
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}

// toUTF8 transcodes a document to UTF-8. The declared charset wins; when
// nothing is declared the encoding is detected from the bytes.
func toUTF8(data []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(data, contentType)
	if !certain && name == "windows-1252" {
		// DetermineEncoding's fallback guess; ask the detector instead.
		if detected := detectCharset(data); detected != "" {
			if e, n := charset.Lookup(detected); e != nil {
				enc, name = e, n
			}
		}
	}
	if name == "utf-8" {
		return data
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return data
	}
	return out
}

func detectCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return ""
	}
	return strings.ToLower(result.Charset)
}

// hasBody reports whether a response with this status may carry a body.
func hasBody(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

type readCloser struct {
	io.Reader
	io.Closer
}
