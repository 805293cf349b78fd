package fetch

import (
	"context"

	"github.com/jpalmerr/harvest/extract"
	"github.com/jpalmerr/harvest/internal/pool"
)

// Engine is a plain-HTTP pool worker: one connection pool per worker, one
// cookie jar per session.
type Engine struct {
	client *Client
}

// Launcher returns a [pool.Launcher] producing HTTP engines.
func Launcher(opts Options) pool.Launcher {
	return func(ctx context.Context) (pool.Engine, error) {
		return &Engine{client: NewClient(opts)}, nil
	}
}

// NewSession implements [pool.Engine].
func (e *Engine) NewSession(ctx context.Context) (pool.Session, error) {
	return &Session{client: e.client.WithCookies()}, nil
}

// Close drops the worker's idle connections.
func (e *Engine) Close() error {
	e.client.Close()
	return nil
}

// Session loads pages over HTTP. It implements [extract.Loader].
type Session struct {
	client *Client
}

// Load implements [extract.Loader].
func (s *Session) Load(ctx context.Context, url string) (*extract.Document, error) {
	return s.client.Load(ctx, url)
}

// Close implements [pool.Session].
func (s *Session) Close() error { return nil }
