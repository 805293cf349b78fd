package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/harvest/internal/pool"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

const defaultProgressInterval = 10 * time.Second

// ErrRunning is returned by Run while another run of the same Orchestrator
// is in progress.
var ErrRunning = errors.New("run already in progress")

// Item is one locator to extract, tagged with the partition it came from.
type Item struct {
	Locator   string
	Partition string
}

// Batch is the output of one discovery call.
type Batch struct {
	Partition string
	Locators  []string
}

// Funcs are the collaborators a run drives. C is the shared extraction
// configuration produced by Bootstrap, R the record produced by Extract.
type Funcs[C, R any] struct {
	Discover  func(ctx context.Context, partition string) ([]string, error)
	Bootstrap func(ctx context.Context, sample []string) (C, error)
	Extract   func(ctx context.Context, item Item, cfg C, s pool.Session) (R, error)
	Persist   func(ctx context.Context, item Item, rec R) error
}

// Config holds the tuning knobs of a run.
type Config struct {
	Launcher         pool.Launcher
	PoolSize         int
	LeasesPerRecycle int
	Limiter          ratelimit.Options

	ProducerConcurrency int
	SampleSize          int
	QueueSize           int
	MaxRetries          int
	BackoffBase         time.Duration
	MaxBackoff          time.Duration
	ProgressInterval    time.Duration
	ProbeInterval       time.Duration
}

// Result summarises a finished run.
type Result struct {
	Discovered      int64
	Duplicates      int64
	Queued          int64
	Succeeded       int64
	Failed          int64
	Retried         int64
	Duration        time.Duration
	FinalRate       float64
	Failures        []Failure
	DiscoveryErrors []DiscoveryError
}

// Snapshot combines pipeline counters with limiter and pool state.
type Snapshot struct {
	Stats
	Limiter ratelimit.Snapshot `json:"limiter"`
	Pool    pool.Stats         `json:"pool"`
}

// Orchestrator streams items from discovery to extraction.
//
// Discovery runs on a bounded set of producer goroutines and hands batches
// to a single consumer over a buffered channel. The consumer bootstraps the
// shared configuration from the first SampleSize locators, then spawns one
// goroutine per distinct locator. A run ends when every partition has been
// discovered and every spawned item has reached a terminal outcome.
//
// Each run gets a fresh [pool.Pool] and [ratelimit.Limiter]; the pool is
// shut down when the run returns, however it ends.
type Orchestrator[C, R any] struct {
	cfg    Config
	funcs  Funcs[C, R]
	logger *slog.Logger

	running atomic.Bool
	stats   tracker

	// per-run resources, set before any item goroutine starts
	mu       sync.Mutex
	limiter  *ratelimit.Limiter
	pool     *pool.Pool
	progress *rate.Sometimes
}

// New validates cfg and funcs and returns an Orchestrator.
func New[C, R any](cfg Config, funcs Funcs[C, R], logger *slog.Logger) (*Orchestrator[C, R], error) {
	switch {
	case cfg.Launcher == nil:
		return nil, errors.New("pipeline: launcher is required")
	case funcs.Discover == nil:
		return nil, errors.New("pipeline: discover function is required")
	case funcs.Bootstrap == nil:
		return nil, errors.New("pipeline: bootstrap function is required")
	case funcs.Extract == nil:
		return nil, errors.New("pipeline: extract function is required")
	case funcs.Persist == nil:
		return nil, errors.New("pipeline: persist function is required")
	}

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.ProducerConcurrency < 1 {
		cfg.ProducerConcurrency = 1
	}
	if cfg.SampleSize < 1 {
		cfg.SampleSize = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	o := &Orchestrator[C, R]{cfg: cfg, funcs: funcs, logger: logger}
	o.stats.stats.Phase = PhaseIdle
	return o, nil
}

// Run processes every locator discovered for partitions.
//
// It returns an error only for fatal conditions: an engine that fails to
// launch, a failed bootstrap, or ctx cancellation. Item failures are
// reported in the Result. The Result is valid even when err is non-nil.
func (o *Orchestrator[C, R]) Run(ctx context.Context, partitions []string) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunning
	}
	defer o.running.Store(false)

	start := time.Now()
	o.stats.reset(len(partitions), start)

	lim := ratelimit.New(o.cfg.Limiter, o.logger)
	p := pool.New(o.cfg.Launcher, o.cfg.PoolSize, o.cfg.LeasesPerRecycle, o.logger)
	o.mu.Lock()
	o.limiter = lim
	o.pool = p
	o.progress = &rate.Sometimes{Interval: o.cfg.ProgressInterval}
	o.mu.Unlock()

	o.logger.Info("run started",
		"partitions", len(partitions),
		"pool_size", o.cfg.PoolSize,
		"producer_concurrency", o.cfg.ProducerConcurrency,
		"sample_size", o.cfg.SampleSize,
		"rate", lim.Rate(),
	)

	if err := p.Start(ctx); err != nil {
		return o.finish(start, lim), fmt.Errorf("start pool: %w", err)
	}
	defer p.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	batches := make(chan Batch, o.cfg.QueueSize)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		o.produce(ctx, partitions, batches)
	}()
	defer func() {
		cancel()
		<-produced
	}()

	err := o.consume(ctx, batches, lim)
	return o.finish(start, lim), err
}

// produce runs discovery with bounded concurrency and closes out once every
// partition has completed. Discovery failures are recorded, not fatal.
func (o *Orchestrator[C, R]) produce(ctx context.Context, partitions []string, out chan<- Batch) {
	defer close(out)

	var g errgroup.Group
	g.SetLimit(o.cfg.ProducerConcurrency)

	for _, partition := range partitions {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			locators, err := o.safeDiscover(ctx, partition)
			o.stats.partitionDone(len(locators), err, partition)
			if err != nil {
				o.logger.Warn("discovery failed", "partition", partition, "error", err)
			} else {
				o.logger.Debug("partition discovered", "partition", partition, "locators", len(locators))
			}
			if len(locators) == 0 {
				return nil
			}
			select {
			case out <- Batch{Partition: partition, Locators: locators}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	_ = g.Wait()
}

// consume is the single consumer loop. seen is owned by it alone.
func (o *Orchestrator[C, R]) consume(ctx context.Context, batches <-chan Batch, lim *ratelimit.Limiter) error {
	seen := make(map[string]struct{})
	var pending []Item
	open := true

	for open && len(pending) < o.cfg.SampleSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				open = false
				continue
			}
			pending = append(pending, o.fresh(b, seen)...)
		}
	}

	if len(pending) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.logger.Info("no locators discovered")
		return nil
	}

	o.stats.setPhase(PhaseBootstrapping)
	sample := make([]string, 0, min(len(pending), o.cfg.SampleSize))
	for _, item := range pending[:cap(sample)] {
		sample = append(sample, item.Locator)
	}

	cfg, err := o.safeBootstrap(ctx, sample)
	if err != nil {
		o.logger.Error("bootstrap failed", "sample", len(sample), "error", err)
		return fmt.Errorf("bootstrap: %w", err)
	}
	o.logger.Info("bootstrap complete", "sample", len(sample))

	o.stats.setPhase(PhaseStreaming)
	stopProbe := o.startProbe(lim)

	var wg sync.WaitGroup
	spawn := func(item Item) {
		o.stats.queued()
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.process(ctx, item, cfg)
			o.reportProgress()
		}()
	}

	for _, item := range pending {
		spawn(item)
	}

	var runErr error
	for open {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			open = false
		case b, ok := <-batches:
			if !ok {
				open = false
				continue
			}
			for _, item := range o.fresh(b, seen) {
				spawn(item)
			}
			o.reportProgress()
		}
	}

	o.stats.setPhase(PhaseDraining)
	o.logger.Debug("discovery complete, draining", "in_flight", o.stats.snapshot().InFlight)
	wg.Wait()
	stopProbe()

	if runErr == nil {
		runErr = ctx.Err()
	}
	return runErr
}

// fresh returns the locators of b not seen before, marking them seen.
func (o *Orchestrator[C, R]) fresh(b Batch, seen map[string]struct{}) []Item {
	items := make([]Item, 0, len(b.Locators))
	for _, loc := range b.Locators {
		if loc == "" {
			continue
		}
		if _, dup := seen[loc]; dup {
			o.stats.duplicate()
			continue
		}
		seen[loc] = struct{}{}
		items = append(items, Item{Locator: loc, Partition: b.Partition})
	}
	return items
}

// startProbe periodically lets the limiter probe for a higher rate. The
// returned function stops it.
func (o *Orchestrator[C, R]) startProbe(lim *ratelimit.Limiter) func() {
	if o.cfg.ProbeInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(o.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if lim.ProbeIncrease() {
					o.logger.Debug("rate probed upward", "rate", lim.Rate())
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// reportProgress logs aggregate progress at most once per ProgressInterval.
func (o *Orchestrator[C, R]) reportProgress() {
	o.progress.Do(func() {
		s := o.stats.snapshot()
		o.logger.Info("progress",
			"phase", s.Phase,
			"partitions_done", s.PartitionsDone,
			"partitions", s.Partitions,
			"queued", s.Queued,
			"completed", s.Completed,
			"succeeded", s.Succeeded,
			"failed", s.Failed,
			"in_flight", s.InFlight,
			"rate", o.limiter.Rate(),
			"limiter_state", o.limiter.State(),
		)
	})
}

func (o *Orchestrator[C, R]) finish(start time.Time, lim *ratelimit.Limiter) Result {
	o.stats.setPhase(PhaseDone)
	s := o.stats.snapshot()
	failures, discoveryErrs := o.stats.errors()

	res := Result{
		Discovered:      s.Discovered,
		Duplicates:      s.Duplicates,
		Queued:          s.Queued,
		Succeeded:       s.Succeeded,
		Failed:          s.Failed,
		Retried:         s.Retries,
		Duration:        time.Since(start),
		FinalRate:       lim.Rate(),
		Failures:        failures,
		DiscoveryErrors: discoveryErrs,
	}

	o.logger.Info("run finished",
		"discovered", res.Discovered,
		"duplicates", res.Duplicates,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"retried", res.Retried,
		"discovery_errors", len(res.DiscoveryErrors),
		"duration", res.Duration,
		"final_rate", res.FinalRate,
	)
	return res
}

// Stats returns the pipeline counters of the current or last run.
func (o *Orchestrator[C, R]) Stats() Stats {
	return o.stats.snapshot()
}

// Snapshot returns pipeline counters together with limiter and pool state.
// Limiter and pool are zero before the first run.
func (o *Orchestrator[C, R]) Snapshot() Snapshot {
	snap := Snapshot{Stats: o.stats.snapshot()}

	o.mu.Lock()
	lim, p := o.limiter, o.pool
	o.mu.Unlock()

	if lim != nil {
		snap.Limiter = lim.Snapshot()
	}
	if p != nil {
		snap.Pool = p.Stats()
	}
	return snap
}

func (o *Orchestrator[C, R]) safeDiscover(ctx context.Context, partition string) (locators []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.recovered("discover", r, "partition", partition)
		}
	}()
	return o.funcs.Discover(ctx, partition)
}

func (o *Orchestrator[C, R]) safeBootstrap(ctx context.Context, sample []string) (cfg C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.recovered("bootstrap", r, "sample", len(sample))
		}
	}()
	return o.funcs.Bootstrap(ctx, sample)
}
