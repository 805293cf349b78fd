package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/jpalmerr/harvest/extract"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

const (
	defaultMaxBodySize = 5 << 20 // 5MB
	defaultTimeout     = 30 * time.Second
	defaultUserAgent   = "harvest/1.0 (+https://github.com/jpalmerr/harvest)"
)

// connection pooling limits per worker
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 4
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
)

// StatusError is returned by [Client.Load] for a non-2xx response that is
// not a rate-limit signal.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Options configures a [Client].
type Options struct {
	Headers     map[string]string
	Timeout     time.Duration
	MaxBodySize int64
	UserAgent   string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = defaultMaxBodySize
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

// Response holds the result of an HTTP request made by [Client].
type Response struct {
	// Body contains the HTTP response body, limited to MaxBodySize.
	Body []byte

	// StatusCode is zero if the request failed before receiving a response.
	StatusCode int

	// Header is nil if the request failed before receiving a response.
	Header http.Header

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any transport error. A non-2xx status is not an error
	// at this level.
	Error error
}

// Client is an HTTP client for fetching pages.
//
// Client uses per-request timeouts via context rather than a global
// timeout. Response bodies are limited to MaxBodySize.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	opts       Options
	now        func() time.Time
}

// NewClient creates a [Client] with its own connection pool.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
	return &Client{
		// no default timeout - we use per-request timeouts via context
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// WithCookies returns a Client sharing c's connection pool but holding its
// own cookie jar.
func (c *Client) WithCookies() *Client {
	jar, _ := cookiejar.New(nil) // only fails for a non-nil PublicSuffixList
	clone := *c
	clone.httpClient = &http.Client{Transport: c.transport, Jar: jar}
	return &clone
}

// Fetch performs a GET request and returns a structured [Response].
//
// Fetch always returns a Response; errors are captured in the Error field
// rather than returned separately.
func (c *Client) Fetch(ctx context.Context, url string) Response {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("User-Agent", c.opts.UserAgent)
	for key, value := range c.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize))
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Latency:    time.Since(start),
	}
}

// Load fetches url as an [extract.Document].
//
// A 429 or 503 response is returned as a [ratelimit.Signal] carrying the
// Retry-After hint; any other non-2xx response as a [*StatusError].
func (c *Client) Load(ctx context.Context, url string) (*extract.Document, error) {
	resp := c.Fetch(ctx, url)
	if err := c.classify(url, resp); err != nil {
		return nil, err
	}
	return extract.NewDocument(url, resp.StatusCode, resp.Body), nil
}

func (c *Client) classify(url string, resp Response) error {
	if resp.Error != nil {
		return resp.Error
	}
	if ratelimit.IsRateLimitStatus(resp.StatusCode) {
		return &ratelimit.Signal{
			RetryAfter: ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Cause:      &StatusError{URL: url, StatusCode: resp.StatusCode},
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.transport == nil {
		return
	}
	c.transport.CloseIdleConnections()
}
