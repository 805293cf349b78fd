package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by Acquire once Shutdown has begun.
	ErrClosed = errors.New("pool is shut down")

	// ErrExhausted is returned by Acquire when every slot has been retired
	// because replacement engines could not be launched.
	ErrExhausted = errors.New("pool has no live workers")

	// ErrNotStarted is returned by Acquire before Start succeeded.
	ErrNotStarted = errors.New("pool is not started")
)

const defaultRelaunchTimeout = time.Minute

// Session is a lightweight handle opened on an [Engine] for the duration of
// one extraction attempt (a browser tab, an HTTP client).
type Session interface {
	Close() error
}

// Engine is a heavyweight, reusable resource. The pool never shares an
// Engine between two live sessions.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Launcher creates a new [Engine].
type Launcher func(ctx context.Context) (Engine, error)

// worker is one pool slot. The slot id survives recycling; the engine,
// generation and id change.
type worker struct {
	slot       int
	id         string
	generation int
	engine     Engine
	served     int
	busy       bool
}

// Stats is a snapshot of pool occupancy and lifetime counters.
type Stats struct {
	Size         int   `json:"size"`
	Live         int   `json:"live"`
	Available    int   `json:"available"`
	Busy         int   `json:"busy"`
	LeasesServed int64 `json:"leases_served"`
	Recycles     int64 `json:"recycles"`
	Launches     int64 `json:"launches"`
	Retired      int   `json:"retired"`
}

// Pool owns a fixed number of [Engine] instances.
//
// Free slot ids wait in a buffered channel, so callers blocked in
// [Pool.Acquire] are served in arrival order. A single mutex protects the
// worker map and counters. Pool is safe for concurrent use.
type Pool struct {
	launch           Launcher
	size             int
	leasesPerRecycle int
	relaunchTimeout  time.Duration
	logger           *slog.Logger

	startMu sync.Mutex

	mu        sync.Mutex
	workers   map[int]*worker
	started   bool
	closed    bool
	done      chan struct{}
	doneErr   error
	available chan int
	leases    sync.WaitGroup

	leasesServed int64
	recycles     int64
	launches     int64
	retired      int
}

// New creates a [Pool] of size engines produced by launch.
//
// A leasesPerRecycle of zero or less disables recycling. The pool launches
// nothing until [Pool.Start] is called.
func New(launch Launcher, size, leasesPerRecycle int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		launch:           launch,
		size:             size,
		leasesPerRecycle: leasesPerRecycle,
		relaunchTimeout:  defaultRelaunchTimeout,
		logger:           logger,
		workers:          make(map[int]*worker, size),
		done:             make(chan struct{}),
		available:        make(chan int, size),
	}
}

// Start launches every engine concurrently.
//
// If any launch fails the engines already created are closed and the error
// is returned; the pool stays unstarted. Start is idempotent once it has
// succeeded and returns [ErrClosed] after [Pool.Shutdown].
func (p *Pool) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	engines := make([]Engine, p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range engines {
		g.Go(func() error {
			e, err := p.launch(gctx)
			if err != nil {
				return fmt.Errorf("launch worker %d: %w", i, err)
			}
			engines[i] = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.closeEngines(engines)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeEngines(engines)
		return ErrClosed
	}
	for i, e := range engines {
		p.workers[i] = &worker{slot: i, id: uuid.NewString(), engine: e}
		p.available <- i
	}
	p.launches += int64(len(engines))
	p.started = true
	p.mu.Unlock()

	p.logger.Info("pool started", "size", p.size, "leases_per_recycle", p.leasesPerRecycle)
	return nil
}

// closeEngines closes every non-nil engine, logging failures.
func (p *Pool) closeEngines(engines []Engine) {
	for i, e := range engines {
		if e == nil {
			continue
		}
		if err := e.Close(); err != nil {
			p.logger.Warn("failed to close engine", "slot", i, "error", err)
		}
	}
}

// Acquire blocks until a slot is free, then opens a fresh [Session] on its
// engine.
//
// There is no timeout beyond ctx: waiting for a free engine is the intended
// backpressure. Acquire fails with [ErrClosed] once Shutdown has begun and
// with [ErrExhausted] when no slot is left. The returned [Lease] must be
// released exactly once, typically with defer.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if !p.started && !p.closed {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, p.terminalErr()
	case slot := <-p.available:
		return p.checkout(ctx, slot)
	}
}

func (p *Pool) terminalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneErr
}

// checkout marks the slot busy and opens a session on it.
func (p *Pool) checkout(ctx context.Context, slot int) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := p.workers[slot]
	if !ok {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	w.busy = true
	p.leases.Add(1)
	engine := w.engine
	p.mu.Unlock()

	sess, err := engine.NewSession(ctx)
	if err != nil {
		// an engine that cannot open sessions is assumed broken
		p.logger.Warn("failed to open session, recycling worker",
			"slot", slot,
			"worker_id", w.id,
			"error", err,
		)
		p.recycle(w)
		p.leases.Done()
		return nil, fmt.Errorf("open session on worker %d: %w", slot, err)
	}

	return &Lease{
		pool:       p,
		worker:     w,
		session:    sess,
		workerID:   w.id,
		acquiredAt: time.Now(),
	}, nil
}

// Do runs fn with a freshly acquired session and releases it on every exit
// path, including panics.
func (p *Pool) Do(ctx context.Context, fn func(Session) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Session())
}

// release returns a lease's worker to the pool, recycling it when it has
// served leasesPerRecycle leases.
func (p *Pool) release(l *Lease) {
	defer p.leases.Done()

	if err := l.session.Close(); err != nil {
		p.logger.Warn("failed to close session", "worker_id", l.workerID, "error", err)
	}

	p.mu.Lock()
	w := l.worker
	w.served++
	p.leasesServed++
	if p.leasesPerRecycle <= 0 || w.served < p.leasesPerRecycle || p.closed {
		w.busy = false
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.available <- w.slot
		}
		return
	}
	p.mu.Unlock()

	p.recycle(w)
}

// recycle replaces a busy worker's engine in place and hands the slot out
// again. A failed relaunch retires the slot.
func (p *Pool) recycle(w *worker) {
	// the worker is busy, so nobody else touches w.engine until it is re-queued
	if err := w.engine.Close(); err != nil {
		p.logger.Warn("failed to close engine during recycle", "slot", w.slot, "worker_id", w.id, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.relaunchTimeout)
	e, err := p.launch(ctx)
	cancel()

	p.mu.Lock()
	if err != nil {
		delete(p.workers, w.slot)
		p.retired++
		remaining := len(p.workers)
		if remaining == 0 {
			p.failLocked(ErrExhausted)
		}
		p.mu.Unlock()
		p.logger.Error("failed to relaunch worker, slot retired",
			"slot", w.slot,
			"remaining", remaining,
			"error", err,
		)
		return
	}

	previous := w.id
	w.engine = e
	w.id = uuid.NewString()
	w.generation++
	w.served = 0
	w.busy = false
	p.recycles++
	p.launches++
	closed := p.closed
	p.mu.Unlock()

	p.logger.Debug("worker recycled",
		"slot", w.slot,
		"generation", w.generation,
		"previous_id", previous,
		"worker_id", w.id,
	)

	if closed {
		// Shutdown is waiting on this lease and will close the new engine
		return
	}
	p.available <- w.slot
}

// failLocked stops handing out leases with err. Must be called with p.mu held.
func (p *Pool) failLocked(err error) {
	select {
	case <-p.done:
	default:
		p.doneErr = err
		close(p.done)
	}
}

// Shutdown stops handing out leases, waits for outstanding leases to be
// released, then closes every engine.
//
// Callers blocked in Acquire fail with [ErrClosed]. Engine close failures
// are logged, never returned. Shutdown is idempotent and a no-op on a pool
// that was never started.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.failLocked(ErrClosed)
	p.mu.Unlock()

	if !started {
		return
	}

	p.leases.Wait()

	p.mu.Lock()
	engines := make([]Engine, 0, len(p.workers))
	for _, w := range p.workers {
		engines = append(engines, w.engine)
	}
	p.workers = make(map[int]*worker)
	served, recycles := p.leasesServed, p.recycles
	p.mu.Unlock()

	p.closeEngines(engines)
	p.logger.Info("pool shut down", "leases_served", served, "recycles", recycles)
}

// Stats returns a snapshot of pool occupancy and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:         p.size,
		Live:         len(p.workers),
		LeasesServed: p.leasesServed,
		Recycles:     p.recycles,
		Launches:     p.launches,
		Retired:      p.retired,
	}
	for _, w := range p.workers {
		if w.busy {
			s.Busy++
		} else {
			s.Available++
		}
	}
	return s
}
