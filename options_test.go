package harvest

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/harvest/internal/ratelimit"
)

func TestNew_Defaults(t *testing.T) {
	h, err := New(WithBootstrap(StaticSchema(testSchema)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if h.cfg.PoolSize != defaultPoolSize {
		t.Errorf("PoolSize = %d, want %d", h.cfg.PoolSize, defaultPoolSize)
	}
	if h.cfg.SampleSize != defaultSampleSize {
		t.Errorf("SampleSize = %d, want %d", h.cfg.SampleSize, defaultSampleSize)
	}
	if h.cfg.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", h.cfg.MaxRetries, defaultMaxRetries)
	}
	if h.cfg.Launcher == nil || h.discover == nil || h.extract == nil || h.persist == nil {
		t.Error("default collaborators not set")
	}
	if h.logger != slog.Default() {
		t.Error("logger should default to slog.Default()")
	}
}

func TestNew_BootstrapRequired(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("New() expected error for missing bootstrap, got nil")
	}
	if !strings.Contains(err.Error(), "bootstrap") {
		t.Errorf("New() error = %v, want error mentioning bootstrap", err)
	}
}

func TestNew_AppliesOptions(t *testing.T) {
	h, err := New(
		WithBootstrap(StaticSchema(testSchema)),
		WithPoolSize(8),
		WithLeasesPerRecycle(0),
		WithProducerConcurrency(2),
		WithSampleSize(10),
		WithQueueSize(0),
		WithRate(3, 0.5, 30),
		WithBurst(7),
		WithMaxRetries(5),
		WithBackoff(2*time.Second, time.Minute),
		WithDefaultPause(10*time.Second),
		WithAcquireTimeout(time.Minute),
		WithStrictRateLimit(),
		WithProbeInterval(0),
		WithProgressInterval(time.Second),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg := h.cfg
	checks := []struct {
		name      string
		got, want any
	}{
		{"PoolSize", cfg.PoolSize, 8},
		{"LeasesPerRecycle", cfg.LeasesPerRecycle, 0},
		{"ProducerConcurrency", cfg.ProducerConcurrency, 2},
		{"SampleSize", cfg.SampleSize, 10},
		{"QueueSize", cfg.QueueSize, 0},
		{"InitialRate", cfg.Limiter.InitialRate, 3.0},
		{"MinRate", cfg.Limiter.MinRate, 0.5},
		{"MaxRate", cfg.Limiter.MaxRate, 30.0},
		{"Burst", cfg.Limiter.Burst, 7.0},
		{"MaxRetries", cfg.MaxRetries, 5},
		{"BackoffBase", cfg.BackoffBase, 2 * time.Second},
		{"MaxBackoff", cfg.MaxBackoff, time.Minute},
		{"DefaultPause", cfg.Limiter.DefaultPause, 10 * time.Second},
		{"AcquireTimeout", cfg.Limiter.AcquireTimeout, time.Minute},
		{"OnTimeout", cfg.Limiter.OnTimeout, ratelimit.FailOnTimeout},
		{"ProbeInterval", cfg.ProbeInterval, time.Duration(0)},
		{"ProgressInterval", cfg.ProgressInterval, time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr string
	}{
		{"pool size zero", WithPoolSize(0), "pool size must be positive"},
		{"leases negative", WithLeasesPerRecycle(-1), "cannot be negative"},
		{"producers zero", WithProducerConcurrency(0), "producer concurrency must be positive"},
		{"sample zero", WithSampleSize(0), "sample size must be positive"},
		{"queue negative", WithQueueSize(-1), "queue size cannot be negative"},
		{"min rate zero", WithRate(1, 0, 10), "min rate must be positive"},
		{"initial above max", WithRate(20, 1, 10), "between min and max"},
		{"initial below min", WithRate(0.5, 1, 10), "between min and max"},
		{"burst below one", WithBurst(0.5), "burst must be at least 1"},
		{"retries zero", WithMaxRetries(0), "max retries must be positive"},
		{"backoff negative", WithBackoff(-time.Second, time.Second), "cannot be negative"},
		{"backoff max below base", WithBackoff(time.Minute, time.Second), "must not be below"},
		{"pause zero", WithDefaultPause(0), "default pause must be positive"},
		{"acquire timeout zero", WithAcquireTimeout(0), "acquire timeout must be positive"},
		{"probe negative", WithProbeInterval(-time.Second), "cannot be negative"},
		{"progress zero", WithProgressInterval(0), "progress interval must be positive"},
		{"nil logger", WithLogger(nil), "logger cannot be nil"},
		{"nil engine", WithEngine(nil), "launcher cannot be nil"},
		{"nil discover", WithDiscover(nil), "discover function cannot be nil"},
		{"nil bootstrap", WithBootstrap(nil), "bootstrap function cannot be nil"},
		{"nil extract", WithExtract(nil), "extract function cannot be nil"},
		{"nil persist", WithPersist(nil), "persist function cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithBootstrap(StaticSchema(testSchema)), tt.opt)
			if err == nil {
				t.Fatal("New() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestWithRecordCallback_NilIgnored(t *testing.T) {
	h, err := New(
		WithBootstrap(StaticSchema(testSchema)),
		WithRecordCallback(nil),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(h.callbacks) != 0 {
		t.Errorf("len(callbacks) = %d, want 0", len(h.callbacks))
	}
}
