package config

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jpalmerr/harvest"
	"github.com/jpalmerr/harvest/internal/store"
)

// Build converts parsed configuration into SDK options and the partitions
// to run over.
//
// Listings come first, in file order, followed by every grid expansion.
// Duplicate listings are dropped. Persistence is not configured here; see
// [StorageConfig.Store].
func Build(cfg *Config, logger *slog.Logger) ([]harvest.Option, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	partitions, err := buildPartitions(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []harvest.Option{harvest.WithLogger(logger)}
	opts = append(opts, buildPipeline(cfg.Pipeline)...)

	discovery := harvest.DiscoveryOptions{
		HTTP:     cfg.Discovery.HTTP.options(),
		SameHost: cfg.Discovery.SameHost == nil || *cfg.Discovery.SameHost,
		MaxPages: cfg.Discovery.MaxPages,
		Logger:   logger,
	}
	if cfg.Discovery.Pattern != "" {
		pattern, err := regexp.Compile(cfg.Discovery.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("discovery: invalid pattern: %w", err)
		}
		discovery.Pattern = pattern
	}
	opts = append(opts, harvest.WithDiscover(harvest.LinkDiscovery(discovery)))

	engine, err := buildEngine(cfg.Engine, logger)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, harvest.WithEngine(engine))

	// sample pages are always fetched over plain HTTP
	opts = append(opts, harvest.WithBootstrap(
		harvest.ResolveBootstrap(buildCandidates(cfg.Fields), cfg.Engine.HTTP.options()),
	))

	return opts, partitions, nil
}

// Store returns the store configuration for [store.Open].
func (s StorageConfig) Store() store.Config {
	return store.Config{
		Driver:   s.Driver,
		DSN:      s.DSN,
		MaxConns: s.MaxConns,
	}
}

func buildPartitions(cfg *Config) ([]string, error) {
	seen := make(map[string]struct{})
	var partitions []string
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		partitions = append(partitions, p)
	}

	for _, l := range cfg.Listings {
		add(l)
	}
	for i, g := range cfg.ListingGrids {
		urls, err := harvest.ListingGrid(g.URLTemplate, g.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("listing_grids[%d]: %w", i, err)
		}
		for _, u := range urls {
			add(u)
		}
	}
	return partitions, nil
}

// buildPipeline maps non-zero pipeline settings to options; zero values keep
// the SDK defaults.
func buildPipeline(p PipelineConfig) []harvest.Option {
	var opts []harvest.Option

	if p.PoolSize > 0 {
		opts = append(opts, harvest.WithPoolSize(p.PoolSize))
	}
	if p.LeasesPerRecycle > 0 {
		opts = append(opts, harvest.WithLeasesPerRecycle(p.LeasesPerRecycle))
	}
	if p.ProducerConcurrency > 0 {
		opts = append(opts, harvest.WithProducerConcurrency(p.ProducerConcurrency))
	}
	if p.SampleSize > 0 {
		opts = append(opts, harvest.WithSampleSize(p.SampleSize))
	}
	if p.QueueSize > 0 {
		opts = append(opts, harvest.WithQueueSize(p.QueueSize))
	}
	if p.MaxRetries > 0 {
		opts = append(opts, harvest.WithMaxRetries(p.MaxRetries))
	}
	if p.BackoffBase > 0 || p.MaxBackoff > 0 {
		base, maxBackoff := p.BackoffBase.Duration(), p.MaxBackoff.Duration()
		if maxBackoff < base {
			maxBackoff = base
		}
		opts = append(opts, harvest.WithBackoff(base, maxBackoff))
	}
	if p.Rate.Initial > 0 {
		opts = append(opts, harvest.WithRate(p.Rate.Initial, p.Rate.Min, p.Rate.Max))
	}
	if p.Rate.Burst > 0 {
		opts = append(opts, harvest.WithBurst(p.Rate.Burst))
	}
	if p.DefaultPause > 0 {
		opts = append(opts, harvest.WithDefaultPause(p.DefaultPause.Duration()))
	}
	if p.AcquireTimeout > 0 {
		opts = append(opts, harvest.WithAcquireTimeout(p.AcquireTimeout.Duration()))
	}
	if p.StrictRateLimit {
		opts = append(opts, harvest.WithStrictRateLimit())
	}
	if p.ProbeInterval > 0 {
		opts = append(opts, harvest.WithProbeInterval(p.ProbeInterval.Duration()))
	}
	if p.ProgressInterval > 0 {
		opts = append(opts, harvest.WithProgressInterval(p.ProgressInterval.Duration()))
	}

	return opts
}

func buildEngine(ec EngineConfig, logger *slog.Logger) (harvest.Launcher, error) {
	switch ec.Type {
	case "", "http":
		return harvest.HTTPEngine(ec.HTTP.options()), nil
	case "browser":
		b := ec.Browser
		return harvest.BrowserEngine(harvest.BrowserOptions{
			Bin:             b.Bin,
			ControlURL:      b.ControlURL,
			Headless:        b.Headless == nil || *b.Headless,
			NoSandbox:       b.NoSandbox,
			NavigateTimeout: b.NavigateTimeout.Duration(),
			WaitSelector:    b.WaitSelector,
			Logger:          logger,
		}), nil
	default:
		return nil, fmt.Errorf("engine: unknown type %q", ec.Type)
	}
}

func buildCandidates(fields []FieldConfig) []harvest.Candidate {
	candidates := make([]harvest.Candidate, 0, len(fields))
	for _, f := range fields {
		candidates = append(candidates, harvest.Candidate{
			Name:     f.Name,
			Rules:    append([]string(nil), f.Rules...),
			Required: f.Required,
		})
	}
	return candidates
}

func (h HTTPConfig) options() harvest.HTTPOptions {
	return harvest.HTTPOptions{
		Headers:   h.Headers,
		Timeout:   h.Timeout.Duration(),
		UserAgent: h.UserAgent,
	}
}
