// Package catalog serves a fake product catalogue for trying harvest
// against.
//
// Listings live at /c/{category}?page=N and link to product pages at
// /p/{category}-{n}, with rel="next" pagination. Product requests draw from
// one token bucket; when it is empty the server answers 429 with a
// Retry-After header, like a storefront protecting itself from scrapers.
package catalog

import (
	"fmt"
	"html/template"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Options configures the catalogue.
type Options struct {
	// Categories are the listing names. Defaults to shoes, hats and bags.
	Categories []string

	// Items per category. Defaults to 24.
	Items int

	// PageSize is the number of items per listing page. Defaults to 10.
	PageSize int

	// Rate is the sustained product requests per second allowed. Zero
	// disables limiting.
	Rate float64

	// Burst is the bucket size. Defaults to 1.
	Burst int

	// RetryAfter is advertised on 429 responses. Defaults to 1s.
	RetryAfter time.Duration

	// Latency adds a random delay up to this duration to product pages.
	Latency time.Duration

	Logger *slog.Logger
}

type catalog struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHandler returns the catalogue's HTTP handler.
func NewHandler(opts Options) http.Handler {
	if len(opts.Categories) == 0 {
		opts.Categories = []string{"shoes", "hats", "bags"}
	}
	if opts.Items <= 0 {
		opts.Items = 24
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &catalog{opts: opts, logger: opts.Logger}
	if opts.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /c/{category}", c.handleListing)
	mux.Handle("GET /p/{id}", c.limit(http.HandlerFunc(c.handleProduct)))
	return mux
}

func (c *catalog) limit(next http.Handler) http.Handler {
	if c.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.limiter.Allow() {
			secs := int(c.opts.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "slow down", http.StatusTooManyRequests)
			c.logger.Debug("rate limited", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var listingTmpl = template.Must(template.New("listing").Parse(`<!doctype html>
<html><head><title>{{.Category}} | Demo Shop</title>
{{if .Next}}<link rel="next" href="{{.Next}}">{{end}}</head>
<body>
<nav><a href="/">home</a> <a href="/help">help</a></nav>
<ul class="products">
{{range .Items}}<li><a href="/p/{{.}}">{{.}}</a></li>
{{end}}</ul>
</body></html>`))

func (c *catalog) handleListing(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	if !c.knownCategory(category) {
		http.NotFound(w, r)
		return
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	first := (page-1)*c.opts.PageSize + 1
	last := min(first+c.opts.PageSize-1, c.opts.Items)

	data := struct {
		Category string
		Items    []string
		Next     string
	}{Category: category}
	for n := first; n <= last; n++ {
		data.Items = append(data.Items, fmt.Sprintf("%s-%d", category, n))
	}
	if last < c.opts.Items {
		data.Next = fmt.Sprintf("/c/%s?page=%d", category, page+1)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTmpl.Execute(w, data); err != nil {
		c.logger.Error("failed to write listing", "error", err)
	}
}

var productTmpl = template.Must(template.New("product").Parse(`<!doctype html>
<html><head><title>{{.Name}} | Demo Shop</title>
<meta property="product:price:amount" content="{{.Price}}">
<meta name="description" content="{{.Name}} in {{.Category}}"></head>
<body>
<h1 class="product-name">{{.Name}}</h1>
<span class="price">£{{.Price}}</span>
{{if .InStock}}<span class="stock">in stock</span>{{end}}
<span class="sku">{{.SKU}}</span>
</body></html>`))

func (c *catalog) handleProduct(w http.ResponseWriter, r *http.Request) {
	category, num, ok := strings.Cut(r.PathValue("id"), "-")
	n, err := strconv.Atoi(num)
	if !ok || err != nil || !c.knownCategory(category) || n < 1 || n > c.opts.Items {
		http.NotFound(w, r)
		return
	}

	if c.opts.Latency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(c.opts.Latency))))
	}

	data := struct {
		Name, Category, Price, SKU string
		InStock                    bool
	}{
		Name:     fmt.Sprintf("%s%s #%d", strings.ToUpper(category[:1]), category[1:], n),
		Category: category,
		Price:    fmt.Sprintf("%d.99", 10+n),
		SKU:      fmt.Sprintf("%s-%04d", strings.ToUpper(category), n),
		InStock:  n%3 != 0,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := productTmpl.Execute(w, data); err != nil {
		c.logger.Error("failed to write product", "error", err)
	}
}

func (c *catalog) knownCategory(name string) bool {
	return slices.Contains(c.opts.Categories, name)
}
