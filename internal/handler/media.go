package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/media"
	"rewrite-proxy-go/internal/metrics"
)

// MediaSource describes and streams the media behind a page URL.
type MediaSource interface {
	Info(ctx context.Context, pageURL string) (*media.Info, error)
	Stream(ctx context.Context, pageURL, format string, w io.Writer) error
}

// MediaHandler serves the media info and stream routes.
type MediaHandler struct {
	source  MediaSource
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMediaHandler creates a MediaHandler. The metrics parameter is optional.
func NewMediaHandler(src MediaSource, logger *slog.Logger, m *metrics.Metrics) *MediaHandler {
	return &MediaHandler{
		source:  src,
		logger:  logger.With("component", "media_handler"),
		metrics: m,
	}
}

// Info returns the title, thumbnail and formats of ?url=.
func (h *MediaHandler) Info(c echo.Context) error {
	info, err := h.source.Info(c.Request().Context(), c.QueryParam("url"))
	h.record("info", err)
	if err != nil {
		status := mediaStatus(err)
		h.logger.Warn("media info failed", "err", err, "status", status)
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, info)
}

// Stream pipes the extractor's output for ?url=&format= as video/mp4. The
// extractor is stopped when the client disconnects.
func (h *MediaHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	w := &streamWriter{c: c}

	if h.metrics != nil {
		h.metrics.MediaStreamsActive.Inc()
		defer h.metrics.MediaStreamsActive.Dec()
	}
	err := h.source.Stream(ctx, c.QueryParam("url"), c.QueryParam("format"), w)
	if ctx.Err() == nil {
		h.record("stream", err)
	}
	switch {
	case err == nil:
		if !w.started {
			w.start()
		}
		return nil
	case ctx.Err() != nil:
		return nil
	case w.started:
		// Headers are gone; the client sees a truncated stream.
		h.logger.Error("media stream interrupted", "err", err)
		return nil
	default:
		status := mediaStatus(err)
		h.logger.Warn("media stream failed", "err", err, "status", status)
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
}

func (h *MediaHandler) record(op string, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.MediaRequests.WithLabelValues(op, metrics.Result(err)).Inc()
}

func mediaStatus(err error) int {
	switch {
	case errors.Is(err, media.ErrInvalidURL), errors.Is(err, media.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// streamWriter commits the response headers on the first write so that
// failures before any output can still be reported with a status.
type streamWriter struct {
	c       echo.Context
	started bool
}

func (w *streamWriter) start() {
	res := w.c.Response()
	res.Header().Set(echo.HeaderContentType, "video/mp4")
	res.Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	res.WriteHeader(http.StatusOK)
	w.started = true
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.start()
	}
	n, err := w.c.Response().Write(p)
	w.c.Response().Flush()
	return n, err
}
