package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/harvest/internal/pool"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSession struct{ engine *testEngine }

func (s *testSession) Close() error { return nil }

type testEngine struct {
	id       int
	sessions atomic.Int64
}

func (e *testEngine) NewSession(ctx context.Context) (pool.Session, error) {
	e.sessions.Add(1)
	return &testSession{engine: e}, nil
}

func (e *testEngine) Close() error { return nil }

type testLauncher struct {
	mu      sync.Mutex
	engines []*testEngine
	err     error
}

func (l *testLauncher) Launch(ctx context.Context) (pool.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	e := &testEngine{id: len(l.engines) + 1}
	l.engines = append(l.engines, e)
	return e, nil
}

func (l *testLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

// recorder is a set of collaborators that record every call.
type recorder struct {
	mu         sync.Mutex
	partitions map[string][]string
	discover   map[string]error
	samples    [][]string
	extracts   map[string]int
	persisted  map[string]string
	extractFn  func(item Item, n int) (string, error)
	persistFn  func(item Item) error
	bootErr    error
}

func newRecorder(partitions map[string][]string) *recorder {
	return &recorder{
		partitions: partitions,
		discover:   make(map[string]error),
		extracts:   make(map[string]int),
		persisted:  make(map[string]string),
	}
}

func (r *recorder) funcs() Funcs[string, string] {
	return Funcs[string, string]{
		Discover: func(ctx context.Context, partition string) ([]string, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if err := r.discover[partition]; err != nil {
				return nil, err
			}
			return r.partitions[partition], nil
		},
		Bootstrap: func(ctx context.Context, sample []string) (string, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.samples = append(r.samples, append([]string(nil), sample...))
			if r.bootErr != nil {
				return "", r.bootErr
			}
			return "schema", nil
		},
		Extract: func(ctx context.Context, item Item, cfg string, s pool.Session) (string, error) {
			if cfg != "schema" {
				return "", fmt.Errorf("unexpected config %q", cfg)
			}
			r.mu.Lock()
			r.extracts[item.Locator]++
			n := r.extracts[item.Locator]
			fn := r.extractFn
			r.mu.Unlock()
			if fn != nil {
				return fn(item, n)
			}
			return "record:" + item.Locator, nil
		},
		Persist: func(ctx context.Context, item Item, rec string) error {
			if r.persistFn != nil {
				if err := r.persistFn(item); err != nil {
					return err
				}
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.persisted[item.Locator] = rec
			return nil
		},
	}
}

func (r *recorder) extractCount(loc string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extracts[loc]
}

func fastConfig(l *testLauncher) Config {
	return Config{
		Launcher:            l.Launch,
		PoolSize:            2,
		ProducerConcurrency: 2,
		SampleSize:          2,
		QueueSize:           4,
		MaxRetries:          3,
		BackoffBase:         time.Millisecond,
		Limiter: ratelimit.Options{
			InitialRate:  1000,
			MaxRate:      1000,
			Burst:        100,
			PollInterval: time.Millisecond,
			DefaultPause: 20 * time.Millisecond,
		},
	}
}

func locators(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://shop.example/%s/%d", prefix, i)
	}
	return out
}

func TestRun_PoolRecycleScenario(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"shoes": locators("shoes", 5)})

	var launchedAtFirstExtract atomic.Int64
	rec.extractFn = func(item Item, n int) (string, error) {
		launchedAtFirstExtract.CompareAndSwap(0, int64(l.launched()))
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	}

	cfg := fastConfig(l)
	cfg.PoolSize = 2
	cfg.LeasesPerRecycle = 3

	o, err := New(cfg, rec.funcs(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := o.Run(context.Background(), []string{"shoes"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := launchedAtFirstExtract.Load(); got != 2 {
		t.Errorf("engines launched before extraction = %d, want 2", got)
	}
	if res.Succeeded != 5 || res.Failed != 0 {
		t.Errorf("Succeeded = %d, Failed = %d, want 5, 0", res.Succeeded, res.Failed)
	}
	if len(rec.persisted) != 5 {
		t.Errorf("persisted %d records, want 5", len(rec.persisted))
	}

	// 5 leases over 2 workers: at most one reaches the threshold of 3
	snap := o.Snapshot()
	if snap.Pool.Recycles > 1 {
		t.Errorf("Recycles = %d, want <= 1", snap.Pool.Recycles)
	}
	for _, e := range l.engines {
		if n := e.sessions.Load(); n > 3 {
			t.Errorf("engine %d served %d leases, want <= 3", e.id, n)
		}
	}
	if snap.Phase != PhaseDone {
		t.Errorf("Phase = %v, want done", snap.Phase)
	}
}

func TestRun_RetryBound(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/broken"}})
	rec.extractFn = func(item Item, n int) (string, error) {
		return "", errors.New("selector not found")
	}

	cfg := fastConfig(l)
	cfg.MaxRetries = 4
	o, _ := New(cfg, rec.funcs(), testLogger())

	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := rec.extractCount("https://shop.example/broken"); got != 4 {
		t.Errorf("extract called %d times, want 4", got)
	}
	if res.Failed != 1 || res.Succeeded != 0 {
		t.Errorf("Failed = %d, Succeeded = %d", res.Failed, res.Succeeded)
	}
	if res.Retried != 3 {
		t.Errorf("Retried = %d, want 3", res.Retried)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("Failures = %v, want 1 entry", res.Failures)
	}
	f := res.Failures[0]
	if f.Locator != "https://shop.example/broken" || f.Partition != "p" || f.Attempts != 4 {
		t.Errorf("Failure = %+v", f)
	}
	if f.Err == nil || !strings.Contains(f.Err.Error(), "selector not found") {
		t.Errorf("Failure.Err = %v, want last extraction error", f.Err)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/flaky"}})
	rec.extractFn = func(item Item, n int) (string, error) {
		if n < 2 {
			return "", errors.New("navigation timeout")
		}
		return "ok", nil
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 1 || res.Retried != 1 || res.Failed != 0 {
		t.Errorf("Result = %+v", res)
	}
}

func TestRun_AtMostOncePerLocator(t *testing.T) {
	l := &testLauncher{}
	shared := "https://shop.example/shared"
	rec := newRecorder(map[string][]string{
		"a": {"https://shop.example/a1", shared, "https://shop.example/a2"},
		"b": {shared, "https://shop.example/b1", "https://shop.example/b1"},
		"c": {shared},
	})

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for loc, n := range rec.extracts {
		if n != 1 {
			t.Errorf("extract(%s) called %d times, want 1", loc, n)
		}
	}
	if len(rec.extracts) != 4 {
		t.Errorf("extracted %d distinct locators, want 4", len(rec.extracts))
	}
	if res.Discovered != 7 || res.Duplicates != 3 || res.Queued != 4 {
		t.Errorf("Discovered = %d, Duplicates = %d, Queued = %d, want 7, 3, 4",
			res.Discovered, res.Duplicates, res.Queued)
	}
}

func TestRun_BootstrapFailureIsFatal(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 5)})
	rec.bootErr = errors.New("no usable selectors")

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"p"})
	if err == nil {
		t.Fatal("Run() error = nil, want bootstrap failure")
	}
	if !strings.Contains(err.Error(), "no usable selectors") {
		t.Errorf("Run() error = %v", err)
	}
	if len(rec.extracts) != 0 {
		t.Errorf("extract called %d times after failed bootstrap", len(rec.extracts))
	}
	if res.Queued != 0 || res.Succeeded != 0 {
		t.Errorf("Result = %+v, want no items processed", res)
	}
}

func TestRun_SampleSize(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{
		"a": locators("a", 2),
		"b": locators("b", 2),
		"c": locators("c", 2),
	})

	cfg := fastConfig(l)
	cfg.SampleSize = 3
	cfg.ProducerConcurrency = 1
	o, _ := New(cfg, rec.funcs(), testLogger())

	res, err := o.Run(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.samples) != 1 {
		t.Fatalf("bootstrap called %d times, want exactly once", len(rec.samples))
	}
	if got := len(rec.samples[0]); got != 3 {
		t.Errorf("bootstrap sample size = %d, want 3", got)
	}
	if res.Succeeded != 6 {
		t.Errorf("Succeeded = %d, want 6", res.Succeeded)
	}
}

func TestRun_SampleSmallerThanK(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 2)})

	cfg := fastConfig(l)
	cfg.SampleSize = 10
	o, _ := New(cfg, rec.funcs(), testLogger())

	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.samples) != 1 || len(rec.samples[0]) != 2 {
		t.Errorf("samples = %v, want one sample of 2", rec.samples)
	}
	if res.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", res.Succeeded)
	}
}

func TestRun_DiscoveryErrorsAreNotFatal(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"good": locators("good", 3)})
	rec.discover["bad"] = errors.New("listing returned 500")

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"bad", "good"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", res.Succeeded)
	}
	if len(res.DiscoveryErrors) != 1 || res.DiscoveryErrors[0].Partition != "bad" {
		t.Errorf("DiscoveryErrors = %+v", res.DiscoveryErrors)
	}
}

func TestRun_NoLocators(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"empty": nil})

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"empty"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.samples) != 0 {
		t.Error("bootstrap called with no locators")
	}
	if res.Discovered != 0 || res.Succeeded != 0 || res.Failed != 0 {
		t.Errorf("Result = %+v, want empty totals", res)
	}
}

func TestRun_PoolStartFailureIsFatal(t *testing.T) {
	l := &testLauncher{err: errors.New("chromium not found")}
	rec := newRecorder(map[string][]string{"p": locators("p", 3)})

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	_, err := o.Run(context.Background(), []string{"p"})
	if err == nil || !strings.Contains(err.Error(), "chromium not found") {
		t.Fatalf("Run() error = %v, want launch failure", err)
	}
	if len(rec.extracts) != 0 {
		t.Error("extract called after pool start failure")
	}
}

func TestRun_PersistFailureDoesNotReExtract(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/x"}})
	var persists atomic.Int32
	rec.persistFn = func(item Item) error {
		persists.Add(1)
		return errors.New("disk full")
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rec.extractCount("https://shop.example/x"); got != 1 {
		t.Errorf("extract called %d times, want 1", got)
	}
	if got := persists.Load(); got != 3 {
		t.Errorf("persist called %d times, want 3 (MaxRetries)", got)
	}
	if res.Failed != 1 || len(res.Failures) != 1 {
		t.Fatalf("Result = %+v, want one failure", res)
	}
	if res.Failures[0].Attempts != 3 {
		t.Errorf("Failure.Attempts = %d, want 3", res.Failures[0].Attempts)
	}
	if !strings.Contains(res.Failures[0].Err.Error(), "disk full") {
		t.Errorf("Failure.Err = %v", res.Failures[0].Err)
	}
}

func TestRun_PersistRetriedAlone(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/x"}})
	var persists atomic.Int32
	rec.persistFn = func(item Item) error {
		if persists.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("Succeeded = %d, Failed = %d, want 1, 0", res.Succeeded, res.Failed)
	}
	if got := rec.extractCount("https://shop.example/x"); got != 1 {
		t.Errorf("extract called %d times, want 1", got)
	}
	if res.Retried != 1 {
		t.Errorf("Retried = %d, want 1", res.Retried)
	}
}

func TestRun_CancelledBackoffIsNotARetry(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/x"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failed := make(chan struct{}, 1)
	rec.extractFn = func(item Item, n int) (string, error) {
		failed <- struct{}{}
		return "", errors.New("timeout")
	}

	cfg := fastConfig(l)
	cfg.BackoffBase = time.Hour
	o, _ := New(cfg, rec.funcs(), testLogger())

	go func() {
		<-failed
		// let the item enter its backoff
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, _ := o.Run(ctx, []string{"p"})
	if got := rec.extractCount("https://shop.example/x"); got != 1 {
		t.Errorf("extract called %d times, want 1", got)
	}
	if res.Retried != 0 {
		t.Errorf("Retried = %d, want 0 when the backoff is cancelled", res.Retried)
	}
}

func TestRun_ExtractPanicIsRecovered(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": {"https://shop.example/panics", "https://shop.example/fine"}})
	rec.extractFn = func(item Item, n int) (string, error) {
		if strings.HasSuffix(item.Locator, "panics") {
			panic("nil element")
		}
		return "ok", nil
	}

	cfg := fastConfig(l)
	cfg.MaxRetries = 1
	o, _ := New(cfg, rec.funcs(), testLogger())

	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("Succeeded = %d, Failed = %d, want 1, 1", res.Succeeded, res.Failed)
	}
	if !strings.Contains(res.Failures[0].Err.Error(), "correlation_id") {
		t.Errorf("Failure.Err = %v, want correlation id", res.Failures[0].Err)
	}
}

func TestRun_RateLimitSignalPausesLimiter(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 4)})

	var signalled atomic.Bool
	rec.extractFn = func(item Item, n int) (string, error) {
		if signalled.CompareAndSwap(false, true) {
			return "", &ratelimit.Signal{RetryAfter: 30 * time.Millisecond}
		}
		return "ok", nil
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	res, err := o.Run(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded != 4 {
		t.Errorf("Succeeded = %d, want 4", res.Succeeded)
	}

	snap := o.Snapshot()
	if snap.Limiter.Signals != 1 {
		t.Errorf("limiter signals = %d, want 1", snap.Limiter.Signals)
	}
	if res.FinalRate >= 1000 {
		t.Errorf("FinalRate = %v, want lowered after signal", res.FinalRate)
	}
}

func TestRun_Backpressure(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 6)})

	var current, peak atomic.Int64
	rec.extractFn = func(item Item, n int) (string, error) {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return "ok", nil
	}

	cfg := fastConfig(l)
	cfg.PoolSize = 1
	o, _ := New(cfg, rec.funcs(), testLogger())

	if _, err := o.Run(context.Background(), []string{"p"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent extractions = %d, want 1", got)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 3)})

	ctx, cancel := context.WithCancel(context.Background())
	rec.extractFn = func(item Item, n int) (string, error) {
		cancel()
		return "", errors.New("interrupted")
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())
	_, err := o.Run(ctx, []string{"p"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	// cancelled items stop retrying
	for loc, n := range rec.extracts {
		if n > 1 {
			t.Errorf("extract(%s) retried %d times after cancellation", loc, n)
		}
	}
}

func TestRun_ConcurrentRunRejected(t *testing.T) {
	l := &testLauncher{}
	rec := newRecorder(map[string][]string{"p": locators("p", 1)})

	release := make(chan struct{})
	rec.extractFn = func(item Item, n int) (string, error) {
		<-release
		return "ok", nil
	}

	o, _ := New(fastConfig(l), rec.funcs(), testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), []string{"p"})
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for o.Stats().Phase != PhaseStreaming && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := o.Run(context.Background(), []string{"p"}); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run() error = %v, want ErrRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run() error = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	l := &testLauncher{}
	valid := newRecorder(nil).funcs()

	tests := []struct {
		name  string
		cfg   Config
		funcs func(f *Funcs[string, string])
	}{
		{name: "no launcher", cfg: Config{}},
		{name: "no discover", cfg: fastConfig(l), funcs: func(f *Funcs[string, string]) { f.Discover = nil }},
		{name: "no bootstrap", cfg: fastConfig(l), funcs: func(f *Funcs[string, string]) { f.Bootstrap = nil }},
		{name: "no extract", cfg: fastConfig(l), funcs: func(f *Funcs[string, string]) { f.Extract = nil }},
		{name: "no persist", cfg: fastConfig(l), funcs: func(f *Funcs[string, string]) { f.Persist = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			if tt.funcs != nil {
				tt.funcs(&f)
			}
			if _, err := New(tt.cfg, f, testLogger()); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}
