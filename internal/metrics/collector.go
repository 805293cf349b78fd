// Package metrics exposes harvest run state as Prometheus metrics.
//
// The [Collector] reads a [pipeline.Snapshot] at scrape time instead of
// mirroring counters on the hot path, so there is nothing to update while a
// run is in progress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jpalmerr/harvest/internal/pipeline"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

const namespace = "harvest"

var (
	descItems = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "items_total"),
		"Items seen by the current run, by outcome.",
		[]string{"outcome"}, nil,
	)
	descRetries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "retries_total"),
		"Extraction attempts beyond the first.",
		nil, nil,
	)
	descInFlight = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "items_in_flight"),
		"Items between spawn and terminal outcome.",
		nil, nil,
	)
	descPartitions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "partitions"),
		"Partitions of the current run, by discovery status.",
		[]string{"status"}, nil,
	)
	descPhase = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "phase"),
		"1 for the current pipeline phase, 0 otherwise.",
		[]string{"phase"}, nil,
	)
	descRate = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "rate"),
		"Current token refill rate in requests per second.",
		nil, nil,
	)
	descTokens = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "tokens"),
		"Tokens currently available.",
		nil, nil,
	)
	descLimiterState = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "state"),
		"1 for the current limiter state, 0 otherwise.",
		[]string{"state"}, nil,
	)
	descSignals = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "signals_total"),
		"Rate-limit signals received.",
		nil, nil,
	)
	descForced = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "forced_total"),
		"Acquisitions forced through after the acquire timeout.",
		nil, nil,
	)
	descAdjustments = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "limiter", "adjustments_total"),
		"Rate recalculations.",
		nil, nil,
	)
	descWorkers = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "workers"),
		"Pool workers, by state.",
		[]string{"state"}, nil,
	)
	descLeases = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "leases_total"),
		"Leases served by the pool.",
		nil, nil,
	)
	descRecycles = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "recycles_total"),
		"Engine recycles.",
		nil, nil,
	)
	descLaunches = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "launches_total"),
		"Engine launches, including the initial ones.",
		nil, nil,
	)
)

var phases = []pipeline.Phase{
	pipeline.PhaseIdle,
	pipeline.PhaseAwaitingSample,
	pipeline.PhaseBootstrapping,
	pipeline.PhaseStreaming,
	pipeline.PhaseDraining,
	pipeline.PhaseDone,
}

var limiterStates = []ratelimit.State{
	ratelimit.StateCalibrating,
	ratelimit.StateRunning,
	ratelimit.StatePaused,
}

// SnapshotFunc returns the current pipeline state.
type SnapshotFunc func() pipeline.Snapshot

// Collector implements [prometheus.Collector] over a [SnapshotFunc].
type Collector struct {
	snapshot SnapshotFunc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a [Collector] reading from fn.
func NewCollector(fn SnapshotFunc) *Collector {
	return &Collector{snapshot: fn}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descItems, descRetries, descInFlight, descPartitions, descPhase,
		descRate, descTokens, descLimiterState, descSignals, descForced, descAdjustments,
		descWorkers, descLeases, descRecycles, descLaunches,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	flag := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	counter(descItems, float64(s.Discovered), "discovered")
	counter(descItems, float64(s.Duplicates), "duplicate")
	counter(descItems, float64(s.Queued), "queued")
	counter(descItems, float64(s.Succeeded), "succeeded")
	counter(descItems, float64(s.Failed), "failed")
	counter(descRetries, float64(s.Retries))
	gauge(descInFlight, float64(s.InFlight))

	gauge(descPartitions, float64(s.Partitions-s.PartitionsDone), "pending")
	gauge(descPartitions, float64(s.PartitionsDone-s.DiscoveryErrors), "discovered")
	gauge(descPartitions, float64(s.DiscoveryErrors), "failed")

	phase := s.Phase
	if phase == "" {
		phase = pipeline.PhaseIdle
	}
	for _, p := range phases {
		gauge(descPhase, flag(p == phase), string(p))
	}

	gauge(descRate, s.Limiter.Rate)
	gauge(descTokens, s.Limiter.Tokens)
	for _, st := range limiterStates {
		gauge(descLimiterState, flag(st == s.Limiter.State), string(st))
	}
	counter(descSignals, float64(s.Limiter.Signals))
	counter(descForced, float64(s.Limiter.Forced))
	counter(descAdjustments, float64(s.Limiter.Adjustments))

	gauge(descWorkers, float64(s.Pool.Available), "available")
	gauge(descWorkers, float64(s.Pool.Busy), "busy")
	gauge(descWorkers, float64(s.Pool.Retired), "retired")
	counter(descLeases, float64(s.Pool.LeasesServed))
	counter(descRecycles, float64(s.Pool.Recycles))
	counter(descLaunches, float64(s.Pool.Launches))
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
