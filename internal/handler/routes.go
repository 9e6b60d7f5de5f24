package handler

import (
	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The media
// and browser routes exist only when enabled in config.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, media *MediaHandler, browser *BrowserHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/p", proxy.Handle)

	if cfg.Media.Enabled && media != nil {
		e.GET("/video-info", media.Info)
		e.GET("/info", media.Info)
		e.GET("/video-stream", media.Stream)
		e.GET("/stream", media.Stream)
	}

	if cfg.Browser.Enabled && browser != nil {
		e.GET("/screenshot", browser.Screenshot)
		e.POST("/click", browser.Click)
		e.POST("/type", browser.Type)
		e.POST("/key", browser.Key)
		e.POST("/scroll", browser.Scroll)
		e.POST("/navigate", browser.Navigate)
		e.POST("/back", browser.Back)
	}
}
