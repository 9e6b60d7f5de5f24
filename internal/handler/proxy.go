package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/service"
)

// errorPrefix sets proxy failures apart from upstream error pages.
const errorPrefix = "proxy error: "

// ProxyHandler serves GET /p?u=<target>.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the target named by u, rewrites it when it is a document
// or stylesheet, and streams the result back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target := c.QueryParam("u")
	if target == "" {
		return c.String(http.StatusBadRequest, errorPrefix+"missing u parameter")
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Target: target,
		Origin: h.origin(c),
		Header: req.Header,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Replace rather than add: middleware may already have set CORS headers.
	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}
	if resp.ContentLength >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a mid-stream failure can only truncate.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil && req.Context().Err() == nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", target,
		)
	}

	return nil
}

// origin is the scheme and host clients use to reach this proxy.
func (h *ProxyHandler) origin(c echo.Context) string {
	if h.cfg.Proxy.PublicOrigin != "" {
		return h.cfg.Proxy.PublicOrigin
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status := errorStatus(err)

	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		h.logger.Debug("client went away before the fetch completed", "err", err)
	} else {
		h.logger.Error("proxy error",
			"err", err,
			"kind", client.Kind(err),
			"status", status,
		)
	}

	return c.String(status, errorPrefix+err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, client.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrBlockedAddress):
		return http.StatusForbidden
	case errors.Is(err, client.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
