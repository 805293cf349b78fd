package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownDriver is returned by [Open] for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Record is the storage representation of one extracted item.
//
// Record is decoupled from the root package's types to allow independent
// evolution, and is shaped for JSON serialisation (used by the REST API
// and SSE).
type Record struct {
	// Locator is the item URL. Records are keyed by it.
	Locator string `json:"locator"`

	// Partition is the listing the locator was discovered on.
	Partition string `json:"partition"`

	// RunID identifies the run that produced the record.
	RunID string `json:"run_id"`

	// Fields holds the extracted values by field name.
	Fields map[string]string `json:"fields"`

	// ExtractedAt is when extraction completed.
	ExtractedAt time.Time `json:"extracted_at"`
}

// Store persists records.
//
// Implementations must be safe for concurrent access. Save is an upsert
// keyed by Locator, so re-running a harvest overwrites previous values.
type Store interface {
	// Save stores rec, replacing any record with the same locator.
	Save(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// Config selects and configures a [Store] backend.
type Config struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string

	// DSN is the sqlite file path or postgres connection string.
	DSN string

	// MaxConns caps the postgres connection pool.
	MaxConns int
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(0), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// Observed is a [Store] that publishes every saved record to a [Feed].
type Observed struct {
	Store
	feed *Feed
}

// Observe wraps s so that successful saves are published to feed.
func Observe(s Store, feed *Feed) *Observed {
	return &Observed{Store: s, feed: feed}
}

// Save stores rec and publishes it on success.
func (o *Observed) Save(ctx context.Context, rec Record) error {
	if err := o.Store.Save(ctx, rec); err != nil {
		return err
	}
	o.feed.Publish(rec)
	return nil
}

// Feed returns the feed records are published to.
func (o *Observed) Feed() *Feed { return o.feed }
