package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jpalmerr/harvest/extract"
	"github.com/jpalmerr/harvest/internal/fetch"
	"github.com/jpalmerr/harvest/internal/render"
)

// HTTPOptions configures the HTTP requests made by built-in collaborators.
type HTTPOptions struct {
	// Headers are sent with every request.
	Headers map[string]string

	// Timeout bounds one request, body included. Defaults to 30s.
	Timeout time.Duration

	// UserAgent overrides the default harvest user agent.
	UserAgent string

	// MaxBodySize truncates larger bodies. Defaults to 5MB.
	MaxBodySize int64
}

func (o HTTPOptions) fetch() fetch.Options {
	return fetch.Options{
		Headers:     copyMap(o.Headers),
		Timeout:     o.Timeout,
		MaxBodySize: o.MaxBodySize,
		UserAgent:   o.UserAgent,
	}
}

// HTTPEngine returns a [Launcher] of plain HTTP engines.
//
// Each engine owns its own connection pool; each session is a client with
// its own cookie jar, so cookies never leak between items. Recycling an
// engine drops its idle connections. Responses with status 429 or 503
// surface as rate-limit signals, honouring Retry-After.
func HTTPEngine(opts HTTPOptions) Launcher {
	return fetch.Launcher(opts.fetch())
}

// BrowserOptions configures [BrowserEngine].
type BrowserOptions struct {
	// Bin is the Chromium executable. Empty lets the launcher find or
	// download one.
	Bin string

	// ControlURL connects to a running browser instead of launching one per
	// worker. Each worker then uses its own incognito context.
	ControlURL string

	Headless  bool
	NoSandbox bool

	// NavigateTimeout bounds navigation and load of one page. Defaults to 45s.
	NavigateTimeout time.Duration

	// WaitSelector, when set, is awaited before the rendered DOM is read.
	WaitSelector string

	Logger *slog.Logger
}

// BrowserEngine returns a [Launcher] of headless Chromium engines. Each
// session is a tab; recycling an engine restarts its browser.
func BrowserEngine(opts BrowserOptions) Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return render.Launcher(render.Options{
		Bin:             opts.Bin,
		ControlURL:      opts.ControlURL,
		Headless:        opts.Headless,
		NoSandbox:       opts.NoSandbox,
		NavigateTimeout: opts.NavigateTimeout,
		WaitSelector:    opts.WaitSelector,
	}, logger)
}

// DiscoveryOptions configures [LinkDiscovery].
type DiscoveryOptions struct {
	HTTP HTTPOptions

	// Pattern keeps only links whose absolute URL matches. Nil keeps all.
	Pattern *regexp.Regexp

	// SameHost drops links to other hosts than the listing's.
	SameHost bool

	// MaxPages follows rel="next" pagination up to this many pages.
	MaxPages int

	Logger *slog.Logger
}

// LinkDiscovery returns a [DiscoverFunc] that treats each partition as a
// listing URL and returns the links found on it, in document order and
// without duplicates.
//
// Example:
//
//	discover := harvest.LinkDiscovery(harvest.DiscoveryOptions{
//	    Pattern:  regexp.MustCompile(`/p/\d+$`),
//	    SameHost: true,
//	    MaxPages: 5,
//	})
func LinkDiscovery(opts DiscoveryOptions) DiscoverFunc {
	d := fetch.NewDiscoverer(fetch.NewClient(opts.HTTP.fetch()), fetch.DiscoverOptions{
		Pattern:  opts.Pattern,
		SameHost: opts.SameHost,
		MaxPages: opts.MaxPages,
	}, opts.Logger)
	return d.Discover
}

// StaticSchema returns a [BootstrapFunc] that ignores the sample and
// always yields schema.
func StaticSchema(schema Schema) BootstrapFunc {
	return func(context.Context, []string) (Schema, error) {
		return schema, nil
	}
}

// ResolveBootstrap returns a [BootstrapFunc] that fetches the sampled
// locators over HTTP and picks, for each candidate, the first rule that
// matches at least half of them. See [extract.Resolve].
//
// Samples that fail to load are skipped; the run fails only when none
// load or a required field cannot be resolved.
func ResolveBootstrap(candidates []Candidate, opts HTTPOptions) BootstrapFunc {
	client := fetch.NewClient(opts.fetch())

	return func(ctx context.Context, sample []string) (Schema, error) {
		var (
			docs []*extract.Document
			errs []error
		)
		for _, locator := range sample {
			doc, err := client.Load(ctx, locator)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			docs = append(docs, doc)
		}
		if len(docs) == 0 {
			return Schema{}, fmt.Errorf("no sample page could be loaded: %w", errors.Join(errs...))
		}
		return extract.Resolve(docs, candidates)
	}
}

// DocumentExtract is the default [ExtractFunc]. It loads the locator
// through the session, which must implement [extract.Loader] as sessions
// of [HTTPEngine] and [BrowserEngine] do, and applies the schema.
func DocumentExtract(ctx context.Context, locator string, schema Schema, s Session) (*Record, error) {
	loader, ok := s.(extract.Loader)
	if !ok {
		return nil, fmt.Errorf("session %T cannot load documents", s)
	}

	compiled, err := schema.Compiled()
	if err != nil {
		return nil, err
	}

	doc, err := loader.Load(ctx, locator)
	if err != nil {
		return nil, err
	}

	fields, err := compiled.Apply(doc)
	if err != nil {
		return nil, err
	}
	return &Record{Locator: locator, Fields: fields}, nil
}
