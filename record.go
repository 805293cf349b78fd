package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/jpalmerr/harvest/extract"
	"github.com/jpalmerr/harvest/internal/pipeline"
	"github.com/jpalmerr/harvest/internal/pool"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

var (
	// ErrEmptyRecord is the item error when an extractor returns no record
	// or a record without fields.
	ErrEmptyRecord = errors.New("extractor returned an empty record")

	// ErrEmptySchema fails a run whose bootstrap produced no fields.
	ErrEmptySchema = errors.New("bootstrap produced an empty schema")

	// ErrRunning is returned by [Harvester.Run] while another run of the
	// same Harvester is in progress.
	ErrRunning = pipeline.ErrRunning
)

// Record is one extracted item.
type Record struct {
	// Locator is the URL the record was extracted from.
	Locator string

	// Partition is the listing the locator was discovered on.
	Partition string

	// RunID identifies the run that produced the record.
	RunID string

	// Fields holds extracted values by field name.
	Fields map[string]string

	// ExtractedAt is set when extraction completes, unless the extractor
	// already set it.
	ExtractedAt time.Time
}

// Schema is the shared extraction configuration produced by bootstrap.
type Schema = extract.Schema

// Field is one named rule of a [Schema].
type Field = extract.Field

// Candidate lists the rules that may fill a field. See [ResolveBootstrap].
type Candidate = extract.Candidate

// Session is a unit of work checked out of one engine, e.g. a browser tab
// or a cookie-isolated HTTP client. Built-in sessions also implement
// [extract.Loader].
type Session = pool.Session

// Engine is an expensive resource owned by one pool worker.
type Engine = pool.Engine

// Launcher starts a new [Engine]. It is called once per worker at the start
// of a run and again each time a worker is recycled.
type Launcher = pool.Launcher

// Stats is a point-in-time view of a run: pipeline counters plus limiter
// and pool state.
type Stats = pipeline.Snapshot

// DiscoverFunc returns the item locators of one partition.
type DiscoverFunc func(ctx context.Context, partition string) ([]string, error)

// BootstrapFunc derives the shared [Schema] from the first sampled locators.
type BootstrapFunc func(ctx context.Context, sample []string) (Schema, error)

// ExtractFunc extracts one record using a session checked out for the
// duration of the call. It must not retain s after returning.
type ExtractFunc func(ctx context.Context, locator string, schema Schema, s Session) (*Record, error)

// PersistFunc durably stores one record.
type PersistFunc func(ctx context.Context, rec Record) error

// RateLimited returns an error that tells the run the remote server is
// throttling. Every worker pauses for retryAfter (or the default pause when
// zero) and the request rate is recalculated. The attempt counts as failed
// and is retried.
func RateLimited(retryAfter time.Duration) error {
	return &ratelimit.Signal{RetryAfter: retryAfter}
}

// Failure is an item that exhausted its retries or failed to persist.
type Failure struct {
	Locator   string
	Partition string
	Attempts  int
	Err       error
}

// DiscoveryError is a partition whose discovery failed. Discovery errors
// do not stop the run.
type DiscoveryError struct {
	Partition string
	Err       error
}

// RunResult summarises one run.
type RunResult struct {
	RunID string

	// Discovered counts locators returned by discovery, duplicates included.
	Discovered int64
	Duplicates int64
	Succeeded  int64
	Failed     int64
	Retried    int64

	Duration time.Duration

	// FinalRate is the limiter's rate in requests per second when the run
	// ended.
	FinalRate float64

	Failures        []Failure
	DiscoveryErrors []DiscoveryError

	// Err is the fatal error that ended the run early, if any. It is the
	// same error [Harvester.Run] returns.
	Err error
}
