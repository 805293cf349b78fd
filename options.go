package harvest

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jpalmerr/harvest/internal/ratelimit"
)

// hvConfig holds mutable state during Harvester construction.
type hvConfig struct {
	launcher            Launcher
	poolSize            int
	leasesPerRecycle    int
	producerConcurrency int
	sampleSize          int
	queueSize           int
	maxRetries          int
	backoffBase         time.Duration
	maxBackoff          time.Duration
	probeInterval       time.Duration
	progressInterval    time.Duration
	limiter             ratelimit.Options

	discover        DiscoverFunc
	bootstrap       BootstrapFunc
	extract         ExtractFunc
	persist         PersistFunc
	recordCallbacks []func(Record)
	logger          *slog.Logger
}

// Option is a function that configures a [Harvester] during construction.
//
// Options return an error if validation fails, and [New] returns the first
// such error.
type Option func(*hvConfig) error

// WithPoolSize sets the number of engines kept alive, which is also the
// maximum number of extractions in flight. Defaults to 4.
//
// Returns an error if n is zero or negative.
func WithPoolSize(n int) Option {
	return func(cfg *hvConfig) error {
		if n <= 0 {
			return errors.New("pool size must be positive")
		}
		cfg.poolSize = n
		return nil
	}
}

// WithLeasesPerRecycle sets how many sessions an engine serves before it is
// closed and relaunched. Zero disables recycling. Defaults to 50.
//
// Returns an error if n is negative.
func WithLeasesPerRecycle(n int) Option {
	return func(cfg *hvConfig) error {
		if n < 0 {
			return errors.New("leases per recycle cannot be negative")
		}
		cfg.leasesPerRecycle = n
		return nil
	}
}

// WithProducerConcurrency sets how many partitions are discovered at once.
// Defaults to 4.
//
// Returns an error if n is zero or negative.
func WithProducerConcurrency(n int) Option {
	return func(cfg *hvConfig) error {
		if n <= 0 {
			return errors.New("producer concurrency must be positive")
		}
		cfg.producerConcurrency = n
		return nil
	}
}

// WithSampleSize sets how many distinct locators are collected before
// bootstrap runs. A run with fewer locators bootstraps on what it has.
// Defaults to 5.
//
// Returns an error if n is zero or negative.
func WithSampleSize(n int) Option {
	return func(cfg *hvConfig) error {
		if n <= 0 {
			return errors.New("sample size must be positive")
		}
		cfg.sampleSize = n
		return nil
	}
}

// WithQueueSize sets the number of discovery batches buffered between
// producers and the consumer. Zero makes producers hand off directly.
// Defaults to 16.
//
// Returns an error if n is negative.
func WithQueueSize(n int) Option {
	return func(cfg *hvConfig) error {
		if n < 0 {
			return errors.New("queue size cannot be negative")
		}
		cfg.queueSize = n
		return nil
	}
}

// WithRate sets the limiter's starting rate and the bounds every adjustment
// is clamped to, in requests per second.
//
// Example:
//
//	h, err := harvest.New(
//	    harvest.WithBootstrap(bootstrap),
//	    harvest.WithRate(2, 0.1, 20),
//	)
//
// Returns an error unless 0 < min <= initial <= max.
func WithRate(initial, minRate, maxRate float64) Option {
	return func(cfg *hvConfig) error {
		if minRate <= 0 {
			return errors.New("min rate must be positive")
		}
		if initial < minRate || initial > maxRate {
			return errors.New("initial rate must be between min and max rate")
		}
		cfg.limiter.InitialRate = initial
		cfg.limiter.MinRate = minRate
		cfg.limiter.MaxRate = maxRate
		return nil
	}
}

// WithBurst sets the token bucket capacity. Defaults to 5.
//
// Returns an error if burst is below one.
func WithBurst(burst float64) Option {
	return func(cfg *hvConfig) error {
		if burst < 1 {
			return errors.New("burst must be at least 1")
		}
		cfg.limiter.Burst = burst
		return nil
	}
}

// WithMaxRetries sets the total number of attempts per item, the first
// included. Defaults to 3.
//
// Returns an error if n is zero or negative.
func WithMaxRetries(n int) Option {
	return func(cfg *hvConfig) error {
		if n <= 0 {
			return errors.New("max retries must be positive")
		}
		cfg.maxRetries = n
		return nil
	}
}

// WithBackoff sets the delay before the second attempt and the cap on the
// exponential delays that follow. Defaults to 1s and 30s.
//
// Returns an error if base is negative or max is below base.
func WithBackoff(base, max time.Duration) Option {
	return func(cfg *hvConfig) error {
		if base < 0 {
			return errors.New("backoff base cannot be negative")
		}
		if max < base {
			return errors.New("max backoff must not be below the base")
		}
		cfg.backoffBase = base
		cfg.maxBackoff = max
		return nil
	}
}

// WithDefaultPause sets how long every worker pauses after a rate-limit
// signal that carries no Retry-After hint. Defaults to 30s.
//
// Returns an error if the duration is zero or negative.
func WithDefaultPause(d time.Duration) Option {
	return func(cfg *hvConfig) error {
		if d <= 0 {
			return errors.New("default pause must be positive")
		}
		cfg.limiter.DefaultPause = d
		return nil
	}
}

// WithAcquireTimeout sets the longest a request waits for a token. After
// that it is forced through, or fails with [WithStrictRateLimit]. A forced
// request still honours an active pause. Defaults to 2m.
//
// Returns an error if the duration is zero or negative.
func WithAcquireTimeout(d time.Duration) Option {
	return func(cfg *hvConfig) error {
		if d <= 0 {
			return errors.New("acquire timeout must be positive")
		}
		cfg.limiter.AcquireTimeout = d
		return nil
	}
}

// WithStrictRateLimit makes a request that waited the full acquire timeout
// fail instead of being forced through. The failure counts as an attempt.
func WithStrictRateLimit() Option {
	return func(cfg *hvConfig) error {
		cfg.limiter.OnTimeout = ratelimit.FailOnTimeout
		return nil
	}
}

// WithProbeInterval sets how often the limiter tries to raise its rate
// after a quiet window. Zero disables probing. Defaults to 30s.
//
// Returns an error if the duration is negative.
func WithProbeInterval(d time.Duration) Option {
	return func(cfg *hvConfig) error {
		if d < 0 {
			return errors.New("probe interval cannot be negative")
		}
		cfg.probeInterval = d
		return nil
	}
}

// WithProgressInterval sets how often progress is logged during a run.
// Defaults to 10s.
//
// Returns an error if the duration is zero or negative.
func WithProgressInterval(d time.Duration) Option {
	return func(cfg *hvConfig) error {
		if d <= 0 {
			return errors.New("progress interval must be positive")
		}
		cfg.progressInterval = d
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used. Every run logs with a run_id attribute.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *hvConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEngine sets how worker engines are launched. See [HTTPEngine] and
// [BrowserEngine].
//
// Returns an error if launch is nil.
func WithEngine(launch Launcher) Option {
	return func(cfg *hvConfig) error {
		if launch == nil {
			return errors.New("engine launcher cannot be nil")
		}
		cfg.launcher = launch
		return nil
	}
}

// WithDiscover sets the function that lists the locators of a partition.
//
// Returns an error if fn is nil.
func WithDiscover(fn DiscoverFunc) Option {
	return func(cfg *hvConfig) error {
		if fn == nil {
			return errors.New("discover function cannot be nil")
		}
		cfg.discover = fn
		return nil
	}
}

// WithBootstrap sets the function that derives the schema from the first
// sampled locators. Required.
//
// Returns an error if fn is nil.
func WithBootstrap(fn BootstrapFunc) Option {
	return func(cfg *hvConfig) error {
		if fn == nil {
			return errors.New("bootstrap function cannot be nil")
		}
		cfg.bootstrap = fn
		return nil
	}
}

// WithExtract sets the per-item extraction function.
//
// Returns an error if fn is nil.
func WithExtract(fn ExtractFunc) Option {
	return func(cfg *hvConfig) error {
		if fn == nil {
			return errors.New("extract function cannot be nil")
		}
		cfg.extract = fn
		return nil
	}
}

// WithPersist sets the function that stores each extracted record. A
// failed persist is retried within the item's remaining tries without
// extracting it again.
//
// Returns an error if fn is nil.
func WithPersist(fn PersistFunc) Option {
	return func(cfg *hvConfig) error {
		if fn == nil {
			return errors.New("persist function cannot be nil")
		}
		cfg.persist = fn
		return nil
	}
}

// WithRecordCallback registers a function called with every persisted
// record.
//
// Multiple callbacks may be registered; they execute in registration order.
// Callbacks run on the item's goroutine, so several may run at once and
// they must be safe for concurrent use. A slow callback holds back only its
// own item. Panics within callbacks are recovered and logged; they do not
// fail the item.
//
// Example:
//
//	h, err := harvest.New(
//	    harvest.WithBootstrap(bootstrap),
//	    harvest.WithRecordCallback(func(rec harvest.Record) {
//	        fmt.Println(rec.Locator, rec.Fields["price"])
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithRecordCallback(cb func(Record)) Option {
	return func(cfg *hvConfig) error {
		if cb == nil {
			return nil // no-op for nil callback (safe to call)
		}
		cfg.recordCallbacks = append(cfg.recordCallbacks, cb)
		return nil
	}
}
