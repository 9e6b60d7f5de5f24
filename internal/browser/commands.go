package browser

import (
	"context"
	_ "embed"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// settleDelay gives the page time to react to input before it is captured.
const settleDelay = 400 * time.Millisecond

const screenshotQuality = 70

//go:embed elements.js
var elementsScript string

// Viewport is the emulated screen size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Element is an interactive element visible in the viewport.
type Element struct {
	Tag  string  `json:"tag"`
	Text string  `json:"text"`
	Href string  `json:"href,omitempty"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
	Type string  `json:"type,omitempty"`
}

// Snapshot is the page state returned after every command.
type Snapshot struct {
	Screenshot string    `json:"screenshot"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Elements   []Element `json:"elements,omitempty"`
	Viewport   Viewport  `json:"viewport"`
}

// namedKeys maps accepted key names to their chromedp key sequences.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Space":      " ",
}

// Screenshot captures the current page, navigating to pageURL first when it
// is non-empty.
func (m *Manager) Screenshot(ctx context.Context, pageURL string) (*Snapshot, error) {
	if pageURL == "" {
		return m.run(ctx, "screenshot")
	}
	target, err := checkURL(pageURL)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, "screenshot", chromedp.Navigate(target))
}

// Click presses the left mouse button at viewport coordinates x, y.
func (m *Manager) Click(ctx context.Context, x, y float64) (*Snapshot, error) {
	if x < 0 || y < 0 || x > float64(m.viewport.Width) || y > float64(m.viewport.Height) {
		return nil, fmt.Errorf("%w: click (%g, %g) outside viewport %dx%d", ErrInvalidInput, x, y, m.viewport.Width, m.viewport.Height)
	}
	return m.run(ctx, "click", chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx)
	}), chromedp.Sleep(settleDelay))
}

// Type sends text to the focused element.
func (m *Manager) Type(ctx context.Context, text string) (*Snapshot, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	return m.run(ctx, "type", chromedp.KeyEvent(text), chromedp.Sleep(settleDelay))
}

// Key presses a single named key (Enter, Tab, ArrowDown, ...) or character.
func (m *Manager) Key(ctx context.Context, key string) (*Snapshot, error) {
	seq, ok := namedKeys[key]
	if !ok {
		if len([]rune(key)) != 1 {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidInput, key)
		}
		seq = key
	}
	return m.run(ctx, "key", chromedp.KeyEvent(seq), chromedp.Sleep(settleDelay))
}

// Scroll moves the page most of a viewport up or down.
func (m *Manager) Scroll(ctx context.Context, direction string) (*Snapshot, error) {
	var sign float64
	switch strings.ToLower(direction) {
	case "down":
		sign = 1
	case "up":
		sign = -1
	default:
		return nil, fmt.Errorf("%w: scroll direction must be up or down; got %q", ErrInvalidInput, direction)
	}
	x, y := float64(m.viewport.Width)/2, float64(m.viewport.Height)/2
	delta := sign * float64(m.viewport.Height) * 0.8
	return m.run(ctx, "scroll", chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(0).
			WithDeltaY(delta).
			Do(ctx)
	}), chromedp.Sleep(settleDelay))
}

// Navigate loads pageURL in the session's tab.
func (m *Manager) Navigate(ctx context.Context, pageURL string) (*Snapshot, error) {
	target, err := checkURL(pageURL)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, "navigate", chromedp.Navigate(target))
}

// Back goes one entry back in the tab's history.
func (m *Manager) Back(ctx context.Context) (*Snapshot, error) {
	return m.run(ctx, "back", chromedp.NavigateBack())
}

// run executes actions against the session and captures a snapshot. The
// command is bounded by the action timeout and by ctx.
func (m *Manager) run(ctx context.Context, name string, actions ...chromedp.Action) (*Snapshot, error) {
	s, err := m.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	snap, err := m.exec(ctx, s, actions)
	m.Release(s, err)
	if err != nil {
		m.logger.Error("browser command failed", "command", name, "session_id", s.ID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrBrowser, name, err)
	}
	m.logger.Debug("browser command done", "command", name, "url", snap.URL, "duration", time.Since(start))
	return snap, nil
}

func (m *Manager) exec(ctx context.Context, s *Session, actions []chromedp.Action) (*Snapshot, error) {
	actx, cancel := context.WithTimeout(s.Context(), m.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	snap := &Snapshot{Viewport: m.viewport}
	var shot []byte
	actions = append(actions,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.Evaluate(elementsScript, &snap.Elements),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			shot, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(screenshotQuality).
				Do(ctx)
			return err
		}),
	)
	if err := chromedp.Run(actx, actions...); err != nil {
		return nil, err
	}
	snap.Screenshot = base64.StdEncoding.EncodeToString(shot)
	return snap, nil
}

func checkURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be absolute http(s); got %q", ErrInvalidInput, raw)
	}
	return u.String(), nil
}
