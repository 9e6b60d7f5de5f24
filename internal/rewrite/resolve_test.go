package rewrite

import (
	"net/url"
	"testing"
)

func testContext(t *testing.T, page string) Context {
	t.Helper()
	base, err := url.Parse(page)
	if err != nil {
		t.Fatalf("parse %q: %v", page, err)
	}
	return Context{Base: base, Origin: "https://proxy.test"}
}

func TestContext_Resolve(t *testing.T) {
	rc := testContext(t, "https://example.com/a/b.html")

	tests := []struct {
		name    string
		raw     string
		want    string
		outcome Outcome
	}{
		{"root relative", "/c.html", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fc.html", Proxied},
		{"path relative", "d/e.png", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fa%2Fd%2Fe.png", Proxied},
		{"parent", "../up.html", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fup.html", Proxied},
		{"query only", "?q=1", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fa%2Fb.html%3Fq%3D1", Proxied},
		{"scheme relative", "//cdn.example.org/lib.js", "https://proxy.test/p?u=https%3A%2F%2Fcdn.example.org%2Flib.js", Proxied},
		{"absolute with query", "http://other.test/x?y=1&z=2", "https://proxy.test/p?u=http%3A%2F%2Fother.test%2Fx%3Fy%3D1%26z%3D2", Proxied},
		{"surrounding space", "  /c.html\n", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fc.html", Proxied},
		{"data", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA", Unchanged},
		{"blob", "blob:https://example.com/1234", "blob:https://example.com/1234", Unchanged},
		{"fragment", "#top", "#top", Unchanged},
		{"javascript", "javascript:void(0)", "javascript:void(0)", Unchanged},
		{"javascript upper", "JavaScript:go()", "JavaScript:go()", Unchanged},
		{"mailto", "mailto:a@example.com", "mailto:a@example.com", Unchanged},
		{"empty", "", "", Unchanged},
		{"blank", "   ", "   ", Unchanged},
		{"ftp", "ftp://example.com/file", "ftp://example.com/file", Unchanged},
		{"tel", "tel:+15551234", "tel:+15551234", Unchanged},
		{"already proxied", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2F", "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2F", Unchanged},
		{"relative proxied", "/p?u=https%3A%2F%2Fexample.com%2F", "/p?u=https%3A%2F%2Fexample.com%2F", Unchanged},
		{"bad escape", "/a%zz", "/a%zz", Skipped},
		{"bad host", "http://[::1", "http://[::1", Skipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := rc.Resolve(tt.raw)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			if outcome != tt.outcome {
				t.Errorf("Resolve(%q) outcome = %v, want %v", tt.raw, outcome, tt.outcome)
			}
		})
	}
}

// The u parameter of a proxied reference decodes to the standard resolution
// of the reference against the base.
func TestContext_Resolve_RoundTrip(t *testing.T) {
	bases := []string{
		"https://example.com/a/b.html",
		"http://example.com:8080/dir/",
		"https://example.com/x/y/z?q=1#frag",
	}
	refs := []string{
		"/c.html", "c.html", "./c.html", "../../c.html", "?page=2", "//other.test/p",
		"https://abs.test/path?x=1&y=2", "a b.png", "/p/q?u=keep", "/ünïcode/päth",
	}

	for _, b := range bases {
		rc := testContext(t, b)
		for _, r := range refs {
			got, outcome := rc.Resolve(r)
			if outcome != Proxied {
				t.Errorf("Resolve(%q, %q) outcome = %v, want proxied", r, b, outcome)
				continue
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("proxied value %q does not parse: %v", got, err)
			}
			if u.Scheme+"://"+u.Host != rc.Origin || u.Path != "/p" {
				t.Errorf("proxied value %q does not target %s/p", got, rc.Origin)
			}
			want, _ := rc.Base.Parse(r)
			if decoded := u.Query().Get("u"); decoded != want.String() {
				t.Errorf("Resolve(%q, %q) u = %q, want %q", r, b, decoded, want.String())
			}
		}
	}
}

func TestContext_Unwrap(t *testing.T) {
	rc := testContext(t, "https://example.com/")

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fc.html", "https://example.com/c.html", true},
		{"/p?u=https%3A%2F%2Fexample.com%2F", "https://example.com/", true},
		{"https://example.com/p?u=x", "", false},
		{"https://proxy.test/p?u=", "", false},
		{"#top", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := rc.Unwrap(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Unwrap(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestProxyURL(t *testing.T) {
	got := ProxyURL("https://proxy.test", "https://example.com/a b?x=1&y=2")
	want := "https://proxy.test/p?u=https%3A%2F%2Fexample.com%2Fa+b%3Fx%3D1%26y%3D2"
	if got != want {
		t.Errorf("ProxyURL() = %q, want %q", got, want)
	}
}
