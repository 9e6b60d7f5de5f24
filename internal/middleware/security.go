package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// hopByHopHeaders are inbound headers that must not reach handlers.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityConfig configures SecurityHeadersWithConfig.
type SecurityConfig struct {
	// Skipper selects requests whose responses keep their own framing and
	// sniffing policy. Hop-by-hop headers are stripped regardless.
	Skipper echomw.Skipper
}

// SecurityHeaders returns SecurityHeadersWithConfig with no skipper.
func SecurityHeaders() echo.MiddlewareFunc {
	return SecurityHeadersWithConfig(SecurityConfig{})
}

// SecurityHeadersWithConfig strips hop-by-hop request headers and marks
// responses as non-frameable and non-sniffable. Headers are set before the
// handler runs so streamed responses carry them too.
func SecurityHeadersWithConfig(cfg SecurityConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			if !cfg.Skipper(c) {
				c.Response().Header().Set("X-Content-Type-Options", "nosniff")
				c.Response().Header().Set("X-Frame-Options", "DENY")
			}

			return next(c)
		}
	}
}

// EmbeddableRoutes skips the proxy route, whose pages are meant to be framed.
func EmbeddableRoutes(c echo.Context) bool {
	return c.Path() == "/p"
}
