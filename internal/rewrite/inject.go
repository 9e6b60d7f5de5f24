package rewrite

import (
	_ "embed"
	"encoding/json"
	"strings"
)

//go:embed interceptor.js
var interceptorSource string

// interceptorScript renders the interceptor with the proxy origin and page
// base substituted in. JSON encoding escapes '<' so neither value can close
// the script element.
func interceptorScript(rc Context) string {
	origin, _ := json.Marshal(rc.Origin)
	base, _ := json.Marshal(rc.Base.String())
	r := strings.NewReplacer(
		"__PROXY_ORIGIN__", string(origin),
		"__PAGE_BASE__", string(base),
	)
	return "<script " + interceptorAttr + ">" + r.Replace(interceptorSource) + "</script>"
}
