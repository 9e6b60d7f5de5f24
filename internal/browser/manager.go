// Package browser drives a single shared headless Chrome session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"rewrite-proxy-go/internal/config"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrBrowser      = errors.New("browser failure")
	ErrClosed       = errors.New("browser manager closed")
)

// Session is one running browser with a single active tab.
type Session struct {
	ID      string
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Alive reports whether the session's browser context is still usable.
func (s *Session) Alive() bool {
	return s.ctx.Err() == nil
}

// Context returns the tab context commands run against.
func (s *Session) Context() context.Context {
	return s.ctx
}

type launchFunc func() (*Session, error)

// Manager owns the browser session. Exactly one caller holds the session
// between Acquire and Release; the session is relaunched lazily after it is
// invalidated.
type Manager struct {
	sem     chan struct{}
	session *Session
	closed  bool

	launch   launchFunc
	viewport Viewport
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Manager from the [browser] config section. No browser is
// started until the first command.
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	m := newManager(cfg, logger)
	m.launch = func() (*Session, error) {
		return launchChrome(cfg, m.viewport)
	}
	return m
}

func newManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		sem:      make(chan struct{}, 1),
		viewport: Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight},
		timeout:  time.Duration(cfg.Browser.ActionTimeoutSeconds) * time.Second,
		logger:   logger.With("component", "browser"),
	}
}

// Acquire waits for exclusive use of the session, launching a browser if
// none is running. Every successful Acquire must be paired with Release.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if m.closed {
		<-m.sem
		return nil, ErrClosed
	}
	if m.session != nil && !m.session.Alive() {
		m.logger.Warn("browser session died; relaunching", "session_id", m.session.ID)
		m.invalidateLocked()
	}
	if m.session == nil {
		start := time.Now()
		s, err := m.launch()
		if err != nil {
			<-m.sem
			return nil, fmt.Errorf("%w: launch: %w", ErrBrowser, err)
		}
		m.session = s
		m.logger.Info("browser session started", "session_id", s.ID, "duration", time.Since(start))
	}
	return m.session, nil
}

// Release returns the session. A non-nil err, or a session whose browser
// has gone away, invalidates it so the next Acquire starts fresh.
func (m *Manager) Release(s *Session, err error) {
	if err != nil || !s.Alive() {
		m.logger.Warn("invalidating browser session", "session_id", s.ID, "error", err)
		m.invalidateLocked()
	}
	<-m.sem
}

// Invalidate shuts down the current session, if any.
func (m *Manager) Invalidate(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.invalidateLocked()
	<-m.sem
	return nil
}

// Close shuts down the session and rejects further commands.
func (m *Manager) Close(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.invalidateLocked()
	m.closed = true
	<-m.sem
	return nil
}

func (m *Manager) invalidateLocked() {
	if m.session == nil {
		return
	}
	m.session.cancel()
	m.session = nil
}

// launchChrome starts a headless Chrome with one blank tab.
func launchChrome(cfg *config.Config, vp Viewport) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(vp.Width, vp.Height),
		chromedp.UserAgent(cfg.Upstream.UserAgent),
	)
	if cfg.Browser.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Browser.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	stop := func() {
		cancel()
		allocCancel()
	}

	// The first Run starts the browser and must use the tab context itself.
	if err := chromedp.Run(ctx,
		chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)),
		chromedp.Navigate("about:blank"),
	); err != nil {
		stop()
		return nil, err
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() { _ = chromedp.Run(ctx, page.HandleJavaScriptDialog(true)) }()
		}
	})

	return &Session{
		ID:      uuid.NewString(),
		Started: time.Now(),
		ctx:     ctx,
		cancel:  stop,
	}, nil
}
