package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/harvest/internal/pipeline"
	"github.com/jpalmerr/harvest/internal/pool"
)

const (
	defaultPoolSize            = 4
	defaultLeasesPerRecycle    = 50
	defaultProducerConcurrency = 4
	defaultSampleSize          = 5
	defaultQueueSize           = 16
	defaultMaxRetries          = 3
	defaultBackoffBase         = time.Second
	defaultMaxBackoff          = 30 * time.Second
	defaultProbeInterval       = 30 * time.Second
	defaultProgressInterval    = 10 * time.Second
)

// Harvester runs extraction pipelines.
//
// A Harvester is created with [New] and functional options and reused
// across runs. Each call to [Harvester.Run] gets its own worker pool and
// rate limiter; runs of one Harvester do not overlap.
//
// The typical lifecycle is:
//
//	h, err := harvest.New(
//	    harvest.WithBootstrap(harvest.ResolveBootstrap(candidates, harvest.HTTPOptions{})),
//	    harvest.WithPersist(save),
//	)
//	if err != nil {
//	    slog.Error("failed to create harvester", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	res, err := h.Run(ctx, listings)
type Harvester struct {
	cfg       pipeline.Config
	discover  DiscoverFunc
	bootstrap BootstrapFunc
	extract   ExtractFunc
	persist   PersistFunc
	callbacks []func(Record)
	logger    *slog.Logger

	running atomic.Bool

	mu      sync.Mutex
	current *pipeline.Orchestrator[Schema, *Record]
}

// New creates a [Harvester] with the given options.
//
// A bootstrap function is required ([WithBootstrap]). Other collaborators
// have defaults:
//   - Engine: [HTTPEngine] with default options
//   - Discover: [LinkDiscovery] keeping every same-host link
//   - Extract: [DocumentExtract]
//   - Persist: none; records are still delivered to [WithRecordCallback]
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Harvester, error) {
	cfg := &hvConfig{
		poolSize:            defaultPoolSize,
		leasesPerRecycle:    defaultLeasesPerRecycle,
		producerConcurrency: defaultProducerConcurrency,
		sampleSize:          defaultSampleSize,
		queueSize:           defaultQueueSize,
		maxRetries:          defaultMaxRetries,
		backoffBase:         defaultBackoffBase,
		maxBackoff:          defaultMaxBackoff,
		probeInterval:       defaultProbeInterval,
		progressInterval:    defaultProgressInterval,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.bootstrap == nil {
		return nil, fmt.Errorf("a bootstrap function is required")
	}
	if cfg.limiter.MinRate > 0 && cfg.limiter.MaxRate > 0 && cfg.limiter.MinRate > cfg.limiter.MaxRate {
		return nil, fmt.Errorf("min rate %.2f exceeds max rate %.2f", cfg.limiter.MinRate, cfg.limiter.MaxRate)
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.launcher == nil {
		cfg.launcher = HTTPEngine(HTTPOptions{})
	}
	if cfg.discover == nil {
		cfg.discover = LinkDiscovery(DiscoveryOptions{SameHost: true, Logger: logger})
	}
	if cfg.extract == nil {
		cfg.extract = DocumentExtract
	}
	if cfg.persist == nil {
		cfg.persist = func(context.Context, Record) error { return nil }
	}

	return &Harvester{
		cfg: pipeline.Config{
			Launcher:            cfg.launcher,
			PoolSize:            cfg.poolSize,
			LeasesPerRecycle:    cfg.leasesPerRecycle,
			Limiter:             cfg.limiter,
			ProducerConcurrency: cfg.producerConcurrency,
			SampleSize:          cfg.sampleSize,
			QueueSize:           cfg.queueSize,
			MaxRetries:          cfg.maxRetries,
			BackoffBase:         cfg.backoffBase,
			MaxBackoff:          cfg.maxBackoff,
			ProgressInterval:    cfg.progressInterval,
			ProbeInterval:       cfg.probeInterval,
		},
		discover:  cfg.discover,
		bootstrap: cfg.bootstrap,
		extract:   cfg.extract,
		persist:   cfg.persist,
		callbacks: cfg.recordCallbacks,
		logger:    logger,
	}, nil
}

// Run discovers, extracts and persists every item of partitions.
//
// Run blocks until every discovered item has succeeded or failed, or ctx is
// cancelled. Item failures do not stop the run and are listed in the
// result. Run returns an error only for fatal conditions: engines that fail
// to launch, a failed bootstrap, or cancellation. The [RunResult] is valid
// either way and carries the same error in Err.
func (h *Harvester) Run(ctx context.Context, partitions []string) (RunResult, error) {
	if !h.running.CompareAndSwap(false, true) {
		return RunResult{Err: ErrRunning}, ErrRunning
	}
	defer h.running.Store(false)

	runID := uuid.NewString()
	logger := h.logger.With("run_id", runID)

	orch, err := pipeline.New(h.cfg, h.funcs(runID, logger), logger)
	if err != nil {
		return RunResult{RunID: runID, Err: err}, err
	}

	h.mu.Lock()
	h.current = orch
	h.mu.Unlock()

	res, err := orch.Run(ctx, partitions)
	out := toRunResult(runID, res, err)
	return out, err
}

// Stats returns the state of the current or most recent run. Before the
// first run the phase is idle and every counter is zero.
func (h *Harvester) Stats() Stats {
	h.mu.Lock()
	orch := h.current
	h.mu.Unlock()

	if orch == nil {
		return Stats{Stats: pipeline.Stats{Phase: pipeline.PhaseIdle}}
	}
	return orch.Snapshot()
}

// funcs adapts the public collaborators to the pipeline's.
func (h *Harvester) funcs(runID string, logger *slog.Logger) pipeline.Funcs[Schema, *Record] {
	return pipeline.Funcs[Schema, *Record]{
		Discover: h.discover,

		Bootstrap: func(ctx context.Context, sample []string) (Schema, error) {
			schema, err := h.bootstrap(ctx, sample)
			if err != nil {
				return Schema{}, err
			}
			if len(schema.Fields) == 0 {
				return Schema{}, ErrEmptySchema
			}
			schema, err = schema.Prepare()
			if err != nil {
				return Schema{}, fmt.Errorf("invalid schema: %w", err)
			}
			logger.Info("schema resolved", "fields", fieldNames(schema), "sample_size", len(sample))
			return schema, nil
		},

		Extract: func(ctx context.Context, item pipeline.Item, schema Schema, s pool.Session) (*Record, error) {
			rec, err := h.extract(ctx, item.Locator, schema, s)
			if err != nil {
				return nil, err
			}
			if rec == nil || len(rec.Fields) == 0 {
				return nil, ErrEmptyRecord
			}
			out := *rec
			out.Fields = copyMap(rec.Fields)
			if out.Locator == "" {
				out.Locator = item.Locator
			}
			out.Partition = item.Partition
			out.RunID = runID
			if out.ExtractedAt.IsZero() {
				out.ExtractedAt = time.Now()
			}
			return &out, nil
		},

		Persist: func(ctx context.Context, _ pipeline.Item, rec *Record) error {
			if err := h.persist(ctx, *rec); err != nil {
				return err
			}
			// callbacks fire after the record is persisted
			for _, cb := range h.callbacks {
				invokeCallbackSafe(cb, copyRecord(*rec), logger)
			}
			return nil
		},
	}
}

func toRunResult(runID string, res pipeline.Result, err error) RunResult {
	out := RunResult{
		RunID:      runID,
		Discovered: res.Discovered,
		Duplicates: res.Duplicates,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Retried:    res.Retried,
		Duration:   res.Duration,
		FinalRate:  res.FinalRate,
		Err:        err,
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, Failure{
			Locator:   f.Locator,
			Partition: f.Partition,
			Attempts:  f.Attempts,
			Err:       f.Err,
		})
	}
	for _, d := range res.DiscoveryErrors {
		out.DiscoveryErrors = append(out.DiscoveryErrors, DiscoveryError{Partition: d.Partition, Err: d.Err})
	}
	return out
}

func fieldNames(s Schema) []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// invokeCallbackSafe calls a record callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Record), rec Record, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("record callback panicked",
				"panic", r,
				"locator", rec.Locator,
			)
		}
	}()
	cb(rec)
}

// copyRecord returns rec with its own Fields map, so callbacks cannot race
// on the map handed to persistence.
func copyRecord(rec Record) Record {
	rec.Fields = copyMap(rec.Fields)
	return rec
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
