package pipeline

import (
	"sync"
	"time"
)

// Phase is the lifecycle state of one run.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingSample Phase = "awaiting_sample"
	PhaseBootstrapping  Phase = "bootstrapping"
	PhaseStreaming      Phase = "streaming"
	PhaseDraining       Phase = "draining"
	PhaseDone           Phase = "done"
)

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Phase           Phase     `json:"phase"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	Partitions      int       `json:"partitions"`
	PartitionsDone  int       `json:"partitions_done"`
	Discovered      int64     `json:"discovered"`
	Duplicates      int64     `json:"duplicates"`
	Queued          int64     `json:"queued"`
	Completed       int64     `json:"completed"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Retries         int64     `json:"retries"`
	InFlight        int64     `json:"in_flight"`
	DiscoveryErrors int       `json:"discovery_errors"`
}

// Failure describes an item that exhausted its retries.
type Failure struct {
	Locator   string
	Partition string
	Attempts  int
	Err       error
}

// DiscoveryError records a partition whose discovery call failed.
type DiscoveryError struct {
	Partition string
	Err       error
}

// tracker holds the counters of one run under a single mutex.
type tracker struct {
	mu        sync.Mutex
	stats     Stats
	failures  []Failure
	discovery []DiscoveryError
}

func (t *tracker) reset(partitions int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = Stats{Phase: PhaseAwaitingSample, StartedAt: now, Partitions: partitions}
	t.failures = nil
	t.discovery = nil
}

func (t *tracker) setPhase(p Phase) {
	t.mu.Lock()
	t.stats.Phase = p
	t.mu.Unlock()
}

func (t *tracker) partitionDone(found int, err error, partition string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.PartitionsDone++
	t.stats.Discovered += int64(found)
	if err != nil {
		t.stats.DiscoveryErrors++
		t.discovery = append(t.discovery, DiscoveryError{Partition: partition, Err: err})
	}
}

func (t *tracker) duplicate() {
	t.mu.Lock()
	t.stats.Duplicates++
	t.mu.Unlock()
}

func (t *tracker) queued() {
	t.mu.Lock()
	t.stats.Queued++
	t.stats.InFlight++
	t.mu.Unlock()
}

func (t *tracker) retry() {
	t.mu.Lock()
	t.stats.Retries++
	t.mu.Unlock()
}

func (t *tracker) succeeded() {
	t.mu.Lock()
	t.stats.Completed++
	t.stats.Succeeded++
	t.stats.InFlight--
	t.mu.Unlock()
}

func (t *tracker) failed(f Failure) {
	t.mu.Lock()
	t.stats.Completed++
	t.stats.Failed++
	t.stats.InFlight--
	t.failures = append(t.failures, f)
	t.mu.Unlock()
}

func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *tracker) errors() ([]Failure, []DiscoveryError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Failure(nil), t.failures...), append([]DiscoveryError(nil), t.discovery...)
}
