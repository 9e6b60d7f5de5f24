package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/ruleset"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	rules   ruleset.RuleSet
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, rules ruleset.RuleSet, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, rules: rules, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of GET /proxy/status.
type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	PublicOrigin string `json:"public_origin,omitempty"`
	MaxRedirects int    `json:"max_redirects"`
	RuleDomains  int    `json:"rule_domains"`
	Media        bool   `json:"media"`
	Browser      bool   `json:"browser"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		PublicOrigin: h.cfg.Proxy.PublicOrigin,
		MaxRedirects: h.cfg.Upstream.MaxRedirects,
		RuleDomains:  h.rules.Domains(),
		Media:        h.cfg.Media.Enabled,
		Browser:      h.cfg.Browser.Enabled,
	})
}
