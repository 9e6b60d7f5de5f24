package rewrite

import (
	"regexp"
	"strings"
)

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'"()\s]*))\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// CSS rewrites url(...) references and @import strings in a stylesheet.
func (r *Rewriter) CSS(body []byte, rc Context) ([]byte, Stats) {
	p := r.newPass(rc)
	out, _ := p.css(string(body))
	return []byte(out), p.stats
}

// css rewrites a stylesheet fragment and reports whether anything changed.
func (p *pass) css(src string) (string, bool) {
	out, urlChanged := p.replaceRefs(cssURLPattern, src, func(ref, quote string) string {
		return "url(" + quote + ref + quote + ")"
	})
	out, importChanged := p.replaceRefs(cssImportPattern, out, func(ref, quote string) string {
		return "@import " + quote + ref + quote
	})
	return out, urlChanged || importChanged
}

// replaceRefs resolves the reference captured by one of pattern's three
// alternatives (double-quoted, single-quoted, bare) and re-renders the match
// with render, keeping the original quote style.
func (p *pass) replaceRefs(pattern *regexp.Regexp, src string, render func(ref, quote string) string) (string, bool) {
	matches := pattern.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src, false
	}

	var b strings.Builder
	b.Grow(len(src) + len(matches)*64)
	last, changed := 0, false
	for _, m := range matches {
		ref, quote, ok := captured(src, m)
		if !ok {
			continue
		}
		proxied, rewritten := p.ref(ref)
		if !rewritten {
			continue
		}
		b.WriteString(src[last:m[0]])
		b.WriteString(render(proxied, quote))
		last = m[1]
		changed = true
	}
	if !changed {
		return src, false
	}
	b.WriteString(src[last:])
	return b.String(), true
}

// captured returns the reference from whichever alternative matched.
func captured(src string, m []int) (ref, quote string, ok bool) {
	quotes := []string{`"`, `'`, ""}
	for i, q := range quotes {
		start, end := m[2+2*i], m[3+2*i]
		if start >= 0 {
			return src[start:end], q, true
		}
	}
	return "", "", false
}
