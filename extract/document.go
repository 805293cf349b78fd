package extract

import (
	"bytes"
	"context"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Document is a fetched page. The HTML tree is parsed lazily, once, on
// first use.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte

	once sync.Once
	html *goquery.Document
	err  error
}

// NewDocument wraps a fetched body.
func NewDocument(url string, statusCode int, body []byte) *Document {
	return &Document{URL: url, StatusCode: statusCode, Body: body}
}

// HTML returns the parsed HTML tree of the body.
func (d *Document) HTML() (*goquery.Document, error) {
	d.once.Do(func() {
		d.html, d.err = goquery.NewDocumentFromReader(bytes.NewReader(d.Body))
	})
	return d.html, d.err
}

// Loader loads documents by URL. Engine sessions implement it.
type Loader interface {
	Load(ctx context.Context, url string) (*Document, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc func(ctx context.Context, url string) (*Document, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, url string) (*Document, error) {
	return f(ctx, url)
}
