// Package media wraps an external extractor (yt-dlp) to describe and stream
// the media behind a page URL.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"rewrite-proxy-go/internal/config"
)

// DefaultFormat is the selector used when a stream request names none.
const DefaultFormat = "best[ext=mp4]/best"

// maxInfoBytes bounds the extractor's JSON output.
const maxInfoBytes = 16 << 20

var (
	ErrInvalidURL    = errors.New("invalid page url")
	ErrInvalidFormat = errors.New("invalid format selector")
	ErrTimeout       = errors.New("extractor timed out")
	ErrExtractor     = errors.New("extractor failed")
)

// Format is one selectable rendition of the media.
type Format struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Height   int    `json:"height"`
	HasVideo *bool  `json:"hasVideo,omitempty"`
	HasAudio *bool  `json:"hasAudio,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Info describes the media found at a page URL.
type Info struct {
	Title     string   `json:"title"`
	Thumbnail string   `json:"thumbnail"`
	Duration  float64  `json:"duration,omitempty"`
	Formats   []Format `json:"formats"`
}

type rawInfo struct {
	Title     string      `json:"title"`
	Thumbnail string      `json:"thumbnail"`
	Duration  float64     `json:"duration"`
	Formats   []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID   string `json:"format_id"`
	FormatNote string `json:"format_note"`
	Height     int    `json:"height"`
	VCodec     string `json:"vcodec"`
	ACodec     string `json:"acodec"`
	URL        string `json:"url"`
}

// commandFunc builds the extractor process; tests replace it.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Extractor runs the media extractor binary.
type Extractor struct {
	binary      string
	infoTimeout time.Duration
	logger      *slog.Logger
	command     commandFunc
}

// New creates an Extractor from the [media] config section.
func New(cfg *config.Config, logger *slog.Logger) *Extractor {
	return &Extractor{
		binary:      cfg.Media.Binary,
		infoTimeout: time.Duration(cfg.Media.InfoTimeoutSeconds) * time.Second,
		logger:      logger.With("component", "media"),
		command:     exec.CommandContext,
	}
}

// Info asks the extractor to describe pageURL.
func (e *Extractor) Info(ctx context.Context, pageURL string) (*Info, error) {
	target, err := checkURL(pageURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.infoTimeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := e.cmd(ctx, "--dump-json", "--no-playlist", "--", target)
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxInfoBytes}

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, e.infoTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrExtractor, err)
	}
	e.logger.Debug("extractor info done", "url", target, "duration", time.Since(start))

	var raw rawInfo
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode output: %w", ErrExtractor, err)
	}
	return &Info{
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Duration:  raw.Duration,
		Formats:   formats(raw.Formats),
	}, nil
}

// Stream writes the selected rendition of pageURL to w until the extractor
// exits or ctx is done. Canceling ctx terminates the extractor.
func (e *Extractor) Stream(ctx context.Context, pageURL, format string, w io.Writer) error {
	target, err := checkURL(pageURL)
	if err != nil {
		return err
	}
	if format == "" {
		format = DefaultFormat
	}
	if strings.HasPrefix(format, "-") || strings.ContainsFunc(format, isSpace) {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	cmd := e.cmd(ctx, "-f", format, "-o", "-", "--no-playlist", "--", target)
	cmd.Stdout = w
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	e.logger.Info("extractor stream started", "url", target, "format", format)
	err = cmd.Run()
	if ctx.Err() != nil {
		e.logger.Info("extractor stream stopped", "url", target, "reason", ctx.Err())
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractor, err)
	}
	return nil
}

func (e *Extractor) cmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.command(ctx, e.binary, args...)
	cmd.Stderr = &logWriter{logger: e.logger}
	return cmd
}

// formats keeps renditions that carry video or audio, tallest first.
func formats(raw []rawFormat) []Format {
	out := make([]Format, 0, len(raw))
	for _, f := range raw {
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		hasAudio := f.ACodec != "" && f.ACodec != "none"
		if (!hasVideo && !hasAudio) || f.FormatID == "" {
			continue
		}
		out = append(out, Format{
			ID:       f.FormatID,
			Label:    label(f, hasVideo, hasAudio),
			Height:   f.Height,
			HasVideo: &hasVideo,
			HasAudio: &hasAudio,
			URL:      f.URL,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	if len(out) == 0 {
		return []Format{{ID: "best", Label: "best", Height: 0}}
	}
	return out
}

func label(f rawFormat, hasVideo, hasAudio bool) string {
	switch {
	case hasVideo && f.Height > 0 && !hasAudio:
		return fmt.Sprintf("%dp (video only)", f.Height)
	case hasVideo && f.Height > 0:
		return fmt.Sprintf("%dp", f.Height)
	case !hasVideo:
		if f.FormatNote != "" {
			return "audio " + f.FormatNote
		}
		return "audio"
	case f.FormatNote != "":
		return f.FormatNote
	default:
		return f.FormatID
	}
}

func checkURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

// limitedBuffer fails writes past max so a runaway extractor cannot exhaust memory.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.max {
		return 0, fmt.Errorf("output exceeds %d bytes", b.max)
	}
	return b.buf.Write(p)
}

// logWriter forwards extractor stderr to the logger line by line.
type logWriter struct {
	logger  *slog.Logger
	pending []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.pending[:i])); line != "" {
			w.logger.Debug("extractor", "line", line)
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}
