package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultMaxPages = 1

// DiscoverOptions configures a [Discoverer].
type DiscoverOptions struct {
	// Pattern keeps only links whose absolute URL matches. Nil keeps all.
	Pattern *regexp.Regexp

	// SameHost drops links pointing to another host than the listing.
	SameHost bool

	// MaxPages follows rel="next" links up to this many listing pages.
	MaxPages int
}

// Discoverer finds item locators on listing pages.
type Discoverer struct {
	client *Client
	opts   DiscoverOptions
	logger *slog.Logger
}

// NewDiscoverer creates a [Discoverer] fetching listings through client.
func NewDiscoverer(client *Client, opts DiscoverOptions, logger *slog.Logger) *Discoverer {
	if opts.MaxPages < 1 {
		opts.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{client: client, opts: opts, logger: logger}
}

// Discover returns the matching links of the listing at listingURL, in
// document order and without duplicates.
//
// A rate-limited listing surfaces as a [ratelimit.Signal]; pages already
// read are kept only when a later page fails.
func (d *Discoverer) Discover(ctx context.Context, listingURL string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	next := listingURL
	for page := 0; page < d.opts.MaxPages && next != ""; page++ {
		doc, err := d.client.Load(ctx, next)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			d.logger.Warn("listing page failed, keeping earlier pages",
				"listing", listingURL,
				"page", page+1,
				"error", err,
			)
			break
		}

		base, err := url.Parse(next)
		if err != nil {
			return nil, fmt.Errorf("parse listing url: %w", err)
		}

		links, nextLink, err := scanLinks(bytes.NewReader(doc.Body))
		if err != nil {
			return nil, fmt.Errorf("parse listing %s: %w", next, err)
		}

		for _, href := range links {
			abs, ok := d.resolve(base, href)
			if !ok {
				continue
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}

		next = ""
		if nextLink != "" {
			if u, err := base.Parse(nextLink); err == nil {
				next = u.String()
			}
		}
	}

	return out, nil
}

// resolve makes href absolute and applies the filters.
func (d *Discoverer) resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""

	if d.opts.SameHost && !strings.EqualFold(u.Host, base.Host) {
		return "", false
	}

	abs := u.String()
	if d.opts.Pattern != nil && !d.opts.Pattern.MatchString(abs) {
		return "", false
	}
	return abs, true
}

// scanLinks returns every <a href> in document order and the href of the
// first rel="next" link or anchor.
func scanLinks(r io.Reader) (links []string, next string, err error) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return links, next, nil
			}
			return links, next, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := atom.Lookup(name)
			if (tag != atom.A && tag != atom.Link) || !hasAttr {
				continue
			}

			var href, rel string
			for {
				key, val, more := z.TagAttr()
				switch string(key) {
				case "href":
					href = string(val)
				case "rel":
					rel = string(val)
				}
				if !more {
					break
				}
			}

			if next == "" && href != "" && hasToken(rel, "next") {
				next = href
			}
			if tag == atom.A && href != "" {
				links = append(links, href)
			}
		}
	}
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}
