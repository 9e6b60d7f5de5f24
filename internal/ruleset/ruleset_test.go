package ruleset

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_Empty(t *testing.T) {
	rs, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if len(rs) != 0 {
		t.Errorf("len(rs) = %d, want 0", len(rs))
	}
}

func TestLoad_FilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "rules")
	if err := os.Mkdir(sub, 0o700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "news.yaml", `
- domain: news.example
  headers:
    referer: https://www.google.com/
    cookie: consent=yes
`)
	writeFile(t, sub, "ignored.txt", `not yaml: [`)
	single := writeFile(t, dir, "bot.yml", `
- domains: [paywalled.example, other.example]
  headers:
    user-agent: Googlebot/2.1
`)

	rs, err := Load(sub + " ; " + single)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("len(rs) = %d, want 2", len(rs))
	}
	if rs.Domains() != 3 {
		t.Errorf("Domains() = %d, want 3", rs.Domains())
	}
	if rs[0].Domain != "news.example" {
		t.Errorf("rs[0].Domain = %q, want %q", rs[0].Domain, "news.example")
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "- domain: [unclosed\n")

	tests := []struct {
		name  string
		paths string
	}{
		{"syntax error", bad},
		{"missing path", filepath.Join(dir, "nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.paths); err == nil {
				t.Errorf("Load(%q) expected error, got nil", tt.paths)
			}
		})
	}
}

func TestRuleSet_Match(t *testing.T) {
	rs := RuleSet{
		{Domain: "example.com", Headers: map[string]string{"Referer": "first"}},
		{Domains: []string{"News.Example", "blog.example"}, Headers: map[string]string{"Referer": "second"}},
		{Domain: "www.example.com", Headers: map[string]string{"Referer": "shadowed"}},
	}

	tests := []struct {
		host   string
		want   string
		wantOK bool
	}{
		{"example.com", "first", true},
		{"www.example.com", "first", true},
		{"EXAMPLE.COM.", "first", true},
		{"news.example", "second", true},
		{"a.b.blog.example", "second", true},
		{"notexample.com", "", false},
		{"example.org", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			rule, ok := rs.Match(tt.host)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.host, ok, tt.wantOK)
			}
			if got := rule.Headers["Referer"]; got != tt.want {
				t.Errorf("Match(%q) Referer = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

func TestRule_RequestHeaders(t *testing.T) {
	rule := Rule{Headers: map[string]string{
		"user-agent":      "Googlebot/2.1",
		"x-forwarded-for": "66.249.66.1",
		"cookie":          "",
	}}

	extra, ua := rule.RequestHeaders()

	if ua != "Googlebot/2.1" {
		t.Errorf("userAgent = %q, want %q", ua, "Googlebot/2.1")
	}
	if got := extra["X-Forwarded-For"]; got != "66.249.66.1" {
		t.Errorf("X-Forwarded-For = %q, want %q", got, "66.249.66.1")
	}
	if _, ok := extra["User-Agent"]; ok {
		t.Error("User-Agent must not be returned as an extra header")
	}
	if _, ok := extra["Cookie"]; ok {
		t.Error("empty header values must be dropped")
	}
}
