package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/browser"
	"rewrite-proxy-go/internal/metrics"
)

// Automator drives the shared headless browser session.
type Automator interface {
	Screenshot(ctx context.Context, pageURL string) (*browser.Snapshot, error)
	Click(ctx context.Context, x, y float64) (*browser.Snapshot, error)
	Type(ctx context.Context, text string) (*browser.Snapshot, error)
	Key(ctx context.Context, key string) (*browser.Snapshot, error)
	Scroll(ctx context.Context, direction string) (*browser.Snapshot, error)
	Navigate(ctx context.Context, pageURL string) (*browser.Snapshot, error)
	Back(ctx context.Context) (*browser.Snapshot, error)
}

// BrowserHandler serves the browser automation routes. Every route answers
// with a snapshot of the page after the command.
type BrowserHandler struct {
	automator Automator
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewBrowserHandler creates a BrowserHandler. The metrics parameter is
// optional.
func NewBrowserHandler(a Automator, logger *slog.Logger, m *metrics.Metrics) *BrowserHandler {
	return &BrowserHandler{
		automator: a,
		logger:    logger.With("component", "browser_handler"),
		metrics:   m,
	}
}

type clickRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type typeRequest struct {
	Text string `json:"text"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type scrollRequest struct {
	Direction string `json:"direction"`
}

type navigateRequest struct {
	URL string `json:"url"`
}

// Screenshot handles GET /screenshot?url=.
func (h *BrowserHandler) Screenshot(c echo.Context) error {
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Screenshot(ctx, c.QueryParam("url"))
	})
}

// Click handles POST /click {x, y}.
func (h *BrowserHandler) Click(c echo.Context) error {
	var req clickRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.X == nil || req.Y == nil {
		return badRequest(c, "x and y are required")
	}
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Click(ctx, *req.X, *req.Y)
	})
}

// Type handles POST /type {text}.
func (h *BrowserHandler) Type(c echo.Context) error {
	var req typeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Type(ctx, req.Text)
	})
}

// Key handles POST /key {key}.
func (h *BrowserHandler) Key(c echo.Context) error {
	var req keyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Key(ctx, req.Key)
	})
}

// Scroll handles POST /scroll {direction}.
func (h *BrowserHandler) Scroll(c echo.Context) error {
	var req scrollRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Scroll(ctx, req.Direction)
	})
}

// Navigate handles POST /navigate {url}.
func (h *BrowserHandler) Navigate(c echo.Context) error {
	var req navigateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	return h.respond(c, func(ctx context.Context) (*browser.Snapshot, error) {
		return h.automator.Navigate(ctx, req.URL)
	})
}

// Back handles POST /back.
func (h *BrowserHandler) Back(c echo.Context) error {
	return h.respond(c, h.automator.Back)
}

func (h *BrowserHandler) respond(c echo.Context, cmd func(context.Context) (*browser.Snapshot, error)) error {
	start := time.Now()
	snap, err := cmd(c.Request().Context())
	if h.metrics != nil {
		command := strings.TrimPrefix(c.Path(), "/")
		h.metrics.BrowserCommands.WithLabelValues(command, metrics.Result(err)).Inc()
		h.metrics.BrowserDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, browser.ErrInvalidInput) {
			status = http.StatusBadRequest
		} else if errors.Is(err, browser.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Warn("browser command failed", "err", err, "status", status, "path", c.Path())
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, snap)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
