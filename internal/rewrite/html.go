package rewrite

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// markerAttr holds the absolute target of a rewritten anchor. The injected
// script reads it to intercept navigation without re-parsing href.
const markerAttr = "data-proxy-url"

// interceptorAttr marks the injected script so a second pass does not inject
// it again.
const interceptorAttr = "data-proxy-interceptor"

// urlAttrs are attributes holding a single reference on any element.
var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"poster":     true,
}

// HTML rewrites every reference in an HTML document and injects the
// interceptor script. Tokens that need no change are copied byte for byte;
// only modified tags are re-serialized. Malformed markup never fails the
// rewrite.
func (r *Rewriter) HTML(body []byte, rc Context) ([]byte, Stats) {
	doc := scanDocument(body, rc)
	if doc.base != nil {
		rc.Base = doc.base
	}
	p := r.newPass(rc)

	var out bytes.Buffer
	out.Grow(len(body) + len(body)/8 + len(interceptorSource) + 256)

	injected := doc.hasInterceptor
	inject := func() {
		if !injected {
			out.WriteString(p.injection(!doc.hasBase))
			injected = true
		}
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	inStyle, baseSeen := false, false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// Whatever the tokenizer consumed of a truncated tail.
			out.Write(z.Raw())
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			// Token lowercases names inside the tokenizer buffer, so keep
			// the raw bytes first.
			raw := bytes.Clone(z.Raw())
			tok := z.Token()

			if !doc.hasHead && tok.Data != "html" {
				inject()
			}

			switch {
			case tok.Data == "meta" && isCSPMeta(tok):
				continue
			case tok.Data == "base" && !baseSeen && attrIndex(tok, "href") >= 0:
				baseSeen = true
				setAttr(&tok, "href", p.rc.Base.String())
				out.WriteString(tok.String())
				continue
			}

			if p.rewriteTag(&tok) {
				out.WriteString(tok.String())
			} else {
				out.Write(raw)
			}

			switch {
			case tok.Data == "head" && tt == html.StartTagToken:
				inject()
			case tok.Data == "style" && tt == html.StartTagToken:
				inStyle = true
			}

		case html.EndTagToken:
			raw := bytes.Clone(z.Raw())
			name, _ := z.TagName()
			switch string(name) {
			case "head":
				inject()
			case "style":
				inStyle = false
			}
			out.Write(raw)

		case html.TextToken:
			raw := z.Raw()
			if inStyle {
				css, _ := p.css(string(raw))
				out.WriteString(css)
				continue
			}
			if !doc.hasHead && len(bytes.TrimSpace(raw)) > 0 {
				inject()
			}
			out.Write(raw)

		default:
			out.Write(z.Raw())
		}
	}
	inject()

	return out.Bytes(), p.stats
}

// rewriteTag rewrites the references carried by one start tag and reports
// whether the token was modified.
func (p *pass) rewriteTag(tok *html.Token) bool {
	changed, proxied := false, false
	for i := range tok.Attr {
		a := &tok.Attr[i]
		var (
			v  string
			ok bool
		)
		switch {
		case urlAttrs[a.Key]:
			v, ok = p.ref(a.Val)
		case a.Key == "srcset":
			v, ok = p.srcset(a.Val)
		case a.Key == "style":
			v, ok = p.css(a.Val)
		}
		if ok {
			a.Val = v
			changed, proxied = true, true
		}
	}

	if tok.Data == "meta" {
		if i := attrIndex(*tok, "content"); i >= 0 && isRefreshMeta(*tok) {
			if v, ok := p.refresh(tok.Attr[i].Val); ok {
				tok.Attr[i].Val = v
				changed = true
			}
		}
	}

	if tok.Data == "a" {
		if i := attrIndex(*tok, "href"); i >= 0 {
			if target, ok := p.rc.Unwrap(tok.Attr[i].Val); ok {
				if j := attrIndex(*tok, markerAttr); j < 0 || tok.Attr[j].Val != target {
					setAttr(tok, markerAttr, target)
					changed = true
				}
			}
		}
	}

	// The proxied bytes may differ from what the digest was computed over.
	if proxied && removeAttr(tok, "integrity") {
		changed = true
	}
	return changed
}

// srcset rewrites each candidate URL of a srcset list, keeping descriptors.
func (p *pass) srcset(v string) (string, bool) {
	candidates := parseSrcset(v)
	changed := false
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		u, ok := p.ref(c.url)
		if ok {
			changed = true
		}
		if c.descriptor != "" {
			u += " " + c.descriptor
		}
		parts = append(parts, u)
	}
	if !changed {
		return v, false
	}
	return strings.Join(parts, ", "), true
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset value into candidates. URLs end at whitespace,
// so commas inside a URL (as in data: URLs) do not split it.
func parseSrcset(v string) []srcsetCandidate {
	var out []srcsetCandidate
	i, n := 0, len(v)
	for i < n {
		for i < n && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && !isSpace(v[i]) {
			i++
		}
		c := srcsetCandidate{url: v[start:i]}
		if strings.HasSuffix(c.url, ",") {
			c.url = strings.TrimRight(c.url, ",")
		} else {
			dstart, depth := i, 0
			for ; i < n; i++ {
				switch v[i] {
				case '(':
					depth++
				case ')':
					depth--
				}
				if v[i] == ',' && depth <= 0 {
					break
				}
			}
			c.descriptor = strings.TrimSpace(v[dstart:i])
		}
		out = append(out, c)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// refresh rewrites the url= part of a meta refresh directive such as
// "5; url=/next". The delay is kept as written.
func (p *pass) refresh(content string) (string, bool) {
	sep := strings.IndexAny(content, ";,")
	if sep < 0 {
		return content, false
	}
	delay := strings.TrimSpace(content[:sep])
	rest := strings.TrimSpace(content[sep+1:])
	if len(rest) < 3 || !strings.EqualFold(rest[:3], "url") {
		return content, false
	}
	rest = strings.TrimSpace(rest[3:])
	if !strings.HasPrefix(rest, "=") {
		return content, false
	}
	target := strings.Trim(strings.TrimSpace(rest[1:]), `"'`)
	proxied, ok := p.ref(target)
	if !ok {
		return content, false
	}
	return delay + ";url=" + proxied, true
}

// injection renders the markup inserted at the top of the document.
func (p *pass) injection(withBase bool) string {
	var b strings.Builder
	if withBase {
		b.WriteString(`<base href="`)
		b.WriteString(html.EscapeString(p.rc.Base.String()))
		b.WriteString(`">`)
	}
	b.WriteString(interceptorScript(p.rc))
	return b.String()
}

// docInfo is what the rewriter needs to know about a document before
// emitting its first byte.
type docInfo struct {
	base           *url.URL
	hasBase        bool
	hasHead        bool
	hasInterceptor bool
}

// scanDocument finds the document's own base URL, whether it has an explicit
// head, and whether it was already rewritten.
func scanDocument(body []byte, rc Context) docInfo {
	var info docInfo
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return info
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				info.hasHead = true
			case "base":
				if info.hasBase || !hasAttr {
					continue
				}
				if href, ok := tagAttr(z, "href"); ok {
					info.hasBase = true
					info.base = resolveBase(href, rc)
				}
			case "script":
				if hasAttr {
					if _, ok := tagAttr(z, interceptorAttr); ok {
						info.hasInterceptor = true
					}
				}
			}
		}
	}
}

// resolveBase resolves a document's <base href> against the page URL.
func resolveBase(href string, rc Context) *url.URL {
	if target, ok := rc.Unwrap(href); ok {
		href = target
	}
	u, err := rc.Base.Parse(strings.TrimSpace(href))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	return u
}

func tagAttr(z *html.Tokenizer, key string) (string, bool) {
	for {
		k, v, more := z.TagAttr()
		if string(k) == key {
			return string(v), true
		}
		if !more {
			return "", false
		}
	}
}

func isCSPMeta(tok html.Token) bool {
	i := attrIndex(tok, "http-equiv")
	if i < 0 {
		return false
	}
	v := strings.TrimSpace(tok.Attr[i].Val)
	return strings.EqualFold(v, "content-security-policy") ||
		strings.EqualFold(v, "content-security-policy-report-only")
}

func isRefreshMeta(tok html.Token) bool {
	i := attrIndex(tok, "http-equiv")
	return i >= 0 && strings.EqualFold(strings.TrimSpace(tok.Attr[i].Val), "refresh")
}

func attrIndex(tok html.Token, key string) int {
	for i, a := range tok.Attr {
		if a.Key == key {
			return i
		}
	}
	return -1
}

func setAttr(tok *html.Token, key, val string) {
	if i := attrIndex(*tok, key); i >= 0 {
		tok.Attr[i].Val = val
		return
	}
	tok.Attr = append(tok.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(tok *html.Token, key string) bool {
	i := attrIndex(*tok, key)
	if i < 0 {
		return false
	}
	tok.Attr = append(tok.Attr[:i], tok.Attr[i+1:]...)
	return true
}
