// Package render provides browser-backed pool workers built on go-rod: one
// Chromium (or one incognito context of a remote Chromium) per worker, one
// tab per session.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jpalmerr/harvest/extract"
	"github.com/jpalmerr/harvest/internal/pool"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

const defaultNavigateTimeout = 45 * time.Second

// navigationStatusJS reads the HTTP status of the main document.
const navigationStatusJS = `() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return nav && nav.responseStatus ? nav.responseStatus : 0;
}`

// Options configures browser workers.
type Options struct {
	// Bin is the browser executable. Empty lets the launcher find or
	// download one.
	Bin string

	// ControlURL connects to an already running browser instead of
	// launching one. Each worker then gets its own incognito context.
	ControlURL string

	Headless  bool
	NoSandbox bool

	// NavigateTimeout bounds navigation, load and WaitSelector per page.
	NavigateTimeout time.Duration

	// WaitSelector, when set, is awaited after load before the DOM is read.
	WaitSelector string
}

// Engine is one browser worker.
type Engine struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     Options
	logger   *slog.Logger
}

// Launcher returns a [pool.Launcher] producing browser engines.
func Launcher(opts Options, logger *slog.Logger) pool.Launcher {
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = defaultNavigateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context) (pool.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.ControlURL != "" {
			return connectRemote(opts, logger)
		}
		return launchLocal(opts, logger)
	}
}

func launchLocal(opts Options, logger *slog.Logger) (*Engine, error) {
	l := launcher.New().Headless(opts.Headless).Leakless(true)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if opts.NoSandbox {
		l = l.NoSandbox(true)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	logger.Debug("browser launched", "control_url", controlURL)
	return &Engine{browser: browser, launcher: l, opts: opts, logger: logger}, nil
}

func connectRemote(opts Options, logger *slog.Logger) (*Engine, error) {
	browser := rod.New().ControlURL(opts.ControlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser %s: %w", opts.ControlURL, err)
	}

	// closing an incognito browser disposes only its context
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	return &Engine{browser: incognito, opts: opts, logger: logger}, nil
}

// NewSession opens a blank tab.
func (e *Engine) NewSession(ctx context.Context) (pool.Session, error) {
	page, err := e.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	// detach the tab from the session-opening context
	return &Session{page: page.Context(context.Background()), opts: e.opts}, nil
}

// Close shuts the browser (or incognito context) down.
func (e *Engine) Close() error {
	err := e.browser.Close()
	if e.launcher != nil {
		e.launcher.Kill()
		e.launcher.Cleanup()
	}
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Session is one browser tab. It implements [extract.Loader].
type Session struct {
	page *rod.Page
	opts Options
}

// Load navigates to url, waits for the page to load and returns the
// rendered DOM.
//
// A 429 or 503 main-document status is returned as a [ratelimit.Signal];
// the browser does not expose Retry-After, so the limiter's default pause
// applies.
func (s *Session) Load(ctx context.Context, url string) (*extract.Document, error) {
	p := s.page.Context(ctx).Timeout(s.opts.NavigateTimeout)
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", url, err)
	}

	status := 0
	if res, err := p.Eval(navigationStatusJS); err == nil {
		status = res.Value.Int()
	}

	if ratelimit.IsRateLimitStatus(status) {
		return nil, &ratelimit.Signal{Cause: fmt.Errorf("GET %s: HTTP %d", url, status)}
	}
	if status >= 400 {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, status)
	}

	if s.opts.WaitSelector != "" {
		if _, err := p.Element(s.opts.WaitSelector); err != nil {
			return nil, fmt.Errorf("wait for %q on %s: %w", s.opts.WaitSelector, url, err)
		}
	}

	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("read DOM of %s: %w", url, err)
	}
	return extract.NewDocument(url, status, []byte(html)), nil
}

// Close closes the tab.
func (s *Session) Close() error {
	return s.page.Close()
}
