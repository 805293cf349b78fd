package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	engine   *fakeEngine
	closeErr error
}

func (s *fakeSession) Close() error {
	s.engine.open.Add(-1)
	return s.closeErr
}

type fakeEngine struct {
	id              int
	sessions        atomic.Int64
	open            atomic.Int64
	closed          atomic.Bool
	sessionErr      error
	sessionCloseErr error
}

func (e *fakeEngine) NewSession(ctx context.Context) (Session, error) {
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	e.sessions.Add(1)
	e.open.Add(1)
	return &fakeSession{engine: e, closeErr: e.sessionCloseErr}, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// fakeLauncher records every engine it creates. fail decides whether the
// n-th launch (1-based) fails.
type fakeLauncher struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	fail     func(n int) bool
	setup    func(e *fakeEngine)
	launched int
}

func (l *fakeLauncher) Launch(ctx context.Context) (Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched++
	if l.fail != nil && l.fail(l.launched) {
		return nil, errors.New("browser failed to start")
	}
	e := &fakeEngine{id: l.launched}
	if l.setup != nil {
		l.setup(e)
	}
	l.engines = append(l.engines, e)
	return e, nil
}

func (l *fakeLauncher) all() []*fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeEngine(nil), l.engines...)
}

func startPool(t *testing.T, l *fakeLauncher, size, recycle int) *Pool {
	t.Helper()
	p := New(l.Launch, size, recycle, testLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return p
}

func TestPool_StartLaunchesEveryWorker(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 3, 0)
	defer p.Shutdown()

	if got := len(l.all()); got != 3 {
		t.Errorf("launched %d engines, want 3", got)
	}

	// idempotent
	if err := p.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
	if got := len(l.all()); got != 3 {
		t.Errorf("second Start() launched more engines: %d", got)
	}

	stats := p.Stats()
	if stats.Live != 3 || stats.Available != 3 || stats.Busy != 0 || stats.Launches != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPool_StartFailureClosesLaunched(t *testing.T) {
	l := &fakeLauncher{fail: func(n int) bool { return n == 2 }}
	p := New(l.Launch, 3, 0, testLogger())

	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("Start() error = nil, want launch failure")
	}

	for _, e := range l.all() {
		if !e.closed.Load() {
			t.Errorf("engine %d not closed after failed start", e.id)
		}
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Acquire() after failed start error = %v, want ErrNotStarted", err)
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 2, 0)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.WorkerID() == "" {
		t.Error("lease has empty worker id")
	}

	stats := p.Stats()
	if stats.Busy != 1 || stats.Available != 1 {
		t.Errorf("Stats() while leased = %+v", stats)
	}

	lease.Release()
	lease.Release() // no-op

	stats = p.Stats()
	if stats.Busy != 0 || stats.Available != 2 || stats.LeasesServed != 1 {
		t.Errorf("Stats() after release = %+v", stats)
	}
	for _, e := range l.all() {
		if n := e.open.Load(); n != 0 {
			t.Errorf("engine %d has %d open sessions after release", e.id, n)
		}
	}
}

func TestPool_NeverExceedsSize(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 3, 0)
	defer p.Shutdown()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(Session) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrent sessions = %d, want <= 3", got)
	}
	for _, e := range l.all() {
		if e.open.Load() > 0 {
			t.Errorf("engine %d still has open sessions", e.id)
		}
	}
	if got := p.Stats().LeasesServed; got != 20 {
		t.Errorf("LeasesServed = %d, want 20", got)
	}
}

func TestPool_RecyclesAfterLeaseLimit(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 3)
	defer p.Shutdown()

	for i := 0; i < 7; i++ {
		if err := p.Do(context.Background(), func(Session) error { return nil }); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}

	engines := l.all()
	if len(engines) != 3 {
		t.Fatalf("launched %d engines, want 3 (initial + 2 recycles)", len(engines))
	}
	for _, e := range engines {
		if n := e.sessions.Load(); n > 3 {
			t.Errorf("engine %d served %d sessions, want <= 3", e.id, n)
		}
	}
	if !engines[0].closed.Load() || !engines[1].closed.Load() {
		t.Error("recycled engines were not closed")
	}
	if engines[2].closed.Load() {
		t.Error("current engine closed before shutdown")
	}

	stats := p.Stats()
	if stats.Recycles != 2 || stats.Launches != 3 || stats.Live != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPool_RecycleFailureRetiresSlot(t *testing.T) {
	// the first two launches succeed, every relaunch fails
	l := &fakeLauncher{fail: func(n int) bool { return n > 2 }}
	p := startPool(t, l, 2, 1)
	defer p.Shutdown()

	if err := p.Do(context.Background(), func(Session) error { return nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := p.Stats(); got.Live != 1 || got.Retired != 1 {
		t.Errorf("Stats() after first retire = %+v", got)
	}

	if err := p.Do(context.Background(), func(Session) error { return nil }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Acquire() with all slots retired error = %v, want ErrExhausted", err)
	}
}

func TestPool_SessionFailureRecyclesWorker(t *testing.T) {
	l := &fakeLauncher{setup: func(e *fakeEngine) {
		if e.id == 1 {
			e.sessionErr = errors.New("target closed")
		}
	}}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("Acquire() error = nil, want session failure")
	}

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after recycle error = %v", err)
	}
	lease.Release()

	engines := l.all()
	if len(engines) != 2 || !engines[0].closed.Load() {
		t.Errorf("broken engine was not replaced: %d engines", len(engines))
	}
}

func TestPool_SessionCloseErrorIsSwallowed(t *testing.T) {
	l := &fakeLauncher{setup: func(e *fakeEngine) {
		e.sessionCloseErr = errors.New("page already closed")
	}}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		if err := p.Do(context.Background(), func(Session) error { return nil }); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}
	if got := p.Stats().Available; got != 1 {
		t.Errorf("Available = %d, want 1", got)
	}
}

func TestPool_DoReleasesOnError(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	boom := errors.New("extraction failed")
	if err := p.Do(context.Background(), func(Session) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want %v", err, boom)
	}

	func() {
		defer func() { _ = recover() }()
		_ = p.Do(context.Background(), func(Session) error { panic("bad selector") })
	}()

	if got := p.Stats(); got.Available != 1 || got.LeasesServed != 2 {
		t.Errorf("Stats() = %+v, want the worker back in the pool", got)
	}
}

func TestPool_Backpressure(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan *Lease, 1)
	go func() {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			close(got)
			return
		}
		got <- lease
	}()

	select {
	case <-got:
		t.Fatal("second Acquire() returned while the only worker was leased")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case lease := <-got:
		if lease != nil {
			lease.Release()
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire() did not return after release")
	}
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			lease.Release()
		}()
		// let waiter i block before the next arrives
		time.Sleep(20 * time.Millisecond)
	}

	held.Release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("waiters served in order %v, want [0 1 2]", order)
		}
	}
}

func TestPool_ShutdownUnblocksWaiters(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 0)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdownDone)
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Acquire() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire() not released by Shutdown")
	}

	// Shutdown waits for the outstanding lease
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown() returned before the outstanding lease was released")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()

	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown() did not return after release")
	}

	for _, e := range l.all() {
		if !e.closed.Load() {
			t.Errorf("engine %d not closed by Shutdown", e.id)
		}
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestPool_ShutdownIdempotent(t *testing.T) {
	p := New((&fakeLauncher{}).Launch, 2, 0, testLogger())

	// never started, must not panic
	p.Shutdown()
	p.Shutdown()

	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestPool_AcquireContextCancelled(t *testing.T) {
	l := &fakeLauncher{}
	p := startPool(t, l, 1, 0)
	defer p.Shutdown()

	held, _ := p.Acquire(context.Background())
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}
