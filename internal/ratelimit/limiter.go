package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned by [Limiter.Acquire] when the acquire
// ceiling elapses and the limiter is configured with [FailOnTimeout].
var ErrAcquireTimeout = errors.New("rate limiter acquire timed out")

const (
	defaultInitialRate     = 2.0
	defaultMinRate         = 0.1
	defaultMaxRate         = 50.0
	defaultBurst           = 5.0
	defaultPause           = 30 * time.Second
	defaultAcquireTimeout  = 2 * time.Minute
	defaultPollInterval    = 250 * time.Millisecond
	defaultProbeMinSamples = 20
	defaultProbeFactor     = 1.1
	defaultBackoffFactor   = 0.9
	defaultHistorySize     = 32

	// minWait keeps the acquire loop from spinning when a token is
	// fractions of a millisecond away.
	minWait = time.Millisecond
)

// State is the coarse lifecycle state of a [Limiter].
type State string

const (
	// StateCalibrating means the limiter is still running on its initial
	// guess and has not observed a full window or a rate-limit signal yet.
	StateCalibrating State = "calibrating"

	// StateRunning means the rate has been confirmed or re-derived.
	StateRunning State = "running"

	// StatePaused means a rate-limit signal is in effect for every caller.
	StatePaused State = "paused"
)

// Outcome classifies the result of one rate-limited request.
type Outcome int

const (
	// Success means the request produced a result.
	Success Outcome = iota
	// Failure means the request failed for a reason other than rate limiting.
	Failure
	// RateLimited means the server refused the request because of its limit.
	RateLimited
)

// String returns a lowercase name for logging.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TimeoutPolicy decides what happens when [Limiter.Acquire] waits longer
// than the configured ceiling.
type TimeoutPolicy int

const (
	// ForceThrough grants the request anyway and logs a warning. This can
	// transiently exceed the server's real limit under mis-calibration.
	ForceThrough TimeoutPolicy = iota
	// FailOnTimeout returns [ErrAcquireTimeout] instead.
	FailOnTimeout
)

// Options configures a [Limiter]. Zero fields take package defaults.
type Options struct {
	// InitialRate is the starting guess in requests per second.
	InitialRate float64
	// MinRate and MaxRate bound every rate adjustment.
	MinRate float64
	MaxRate float64
	// Burst is the bucket capacity (maxTokens).
	Burst float64
	// ResumeTokens is the bucket level after a pause: a small burst, neither
	// empty nor full. Defaults to a quarter of Burst, at least one token.
	ResumeTokens float64
	// DefaultPause applies when a rate-limit signal carries no retry hint.
	DefaultPause time.Duration
	// AcquireTimeout is the hard ceiling on a single Acquire call.
	AcquireTimeout time.Duration
	// OnTimeout selects force-through or failure once AcquireTimeout elapses.
	OnTimeout TimeoutPolicy
	// PollInterval bounds every individual sleep inside Acquire so that
	// pauses and new tokens are re-checked rather than slept through.
	PollInterval time.Duration
	// ProbeMinSamples is the number of successes a window needs before
	// ProbeIncrease will raise the rate.
	ProbeMinSamples int
	// HistorySize bounds the number of retained [Adjustment] records.
	HistorySize int
}

func (o Options) withDefaults() Options {
	if o.MinRate <= 0 {
		o.MinRate = defaultMinRate
	}
	if o.MaxRate <= 0 {
		o.MaxRate = defaultMaxRate
	}
	if o.MaxRate < o.MinRate {
		o.MaxRate = o.MinRate
	}
	if o.InitialRate <= 0 {
		o.InitialRate = defaultInitialRate
	}
	o.InitialRate = clamp(o.InitialRate, o.MinRate, o.MaxRate)
	if o.Burst < 1 {
		o.Burst = defaultBurst
	}
	if o.ResumeTokens <= 0 {
		o.ResumeTokens = math.Max(1, o.Burst/4)
	}
	o.ResumeTokens = math.Min(o.ResumeTokens, o.Burst)
	if o.DefaultPause <= 0 {
		o.DefaultPause = defaultPause
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ProbeMinSamples <= 0 {
		o.ProbeMinSamples = defaultProbeMinSamples
	}
	if o.HistorySize <= 0 {
		o.HistorySize = defaultHistorySize
	}
	return o
}

// Adjustment records one change of the refill rate, for diagnostics only.
type Adjustment struct {
	At           time.Time
	Reason       string
	OldRate      float64
	NewRate      float64
	MeasuredRate float64
	Samples      int
}

// Snapshot is a consistent copy of the limiter's state.
type Snapshot struct {
	State           State     `json:"state"`
	Rate            float64   `json:"rate"`
	Tokens          float64   `json:"tokens"`
	MaxTokens       float64   `json:"max_tokens"`
	PausedUntil     time.Time `json:"paused_until,omitempty"`
	WindowSuccesses int       `json:"window_successes"`
	WindowFailures  int       `json:"window_failures"`
	Signals         int64     `json:"signals"`
	Forced          int64     `json:"forced"`
	Adjustments     int       `json:"adjustments"`
}

// Limiter is a token bucket whose refill rate is learned from rate-limit
// signals.
//
// All state lives behind a single mutex; callers waiting for a token or for
// a pause to end sleep outside it. Limiter is safe for concurrent use and is
// meant to be shared by reference between every component of one run.
type Limiter struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	tokens      float64
	rate        float64
	lastRefill  time.Time
	pausedUntil time.Time
	calibrated  bool

	windowStart     time.Time
	windowSuccesses int
	windowFailures  int
	windowSignals   int

	signals int64
	forced  int64
	history []Adjustment
}

// New creates a [Limiter] with a full bucket and the initial rate.
func New(opts Options, logger *slog.Logger) *Limiter {
	return newWithClock(opts, logger, time.Now)
}

func newWithClock(opts Options, logger *slog.Logger, now func() time.Time) *Limiter {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	start := now()
	return &Limiter{
		opts:        opts,
		logger:      logger,
		now:         now,
		tokens:      opts.Burst,
		rate:        opts.InitialRate,
		lastRefill:  start,
		windowStart: start,
	}
}

// Acquire blocks until no pause is in effect and a token is available, then
// consumes the token.
//
// Waiting happens in increments of at most Options.PollInterval so that a
// pause recorded by another caller is observed promptly. Once the call has
// waited longer than Options.AcquireTimeout for a token it is forced through
// (or fails, see [FailOnTimeout]). Time spent inside a pause does not count
// toward the ceiling, and a forced call never jumps an active pause.
//
// Returns ctx.Err() if the context is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()

	for {
		l.mu.Lock()
		now := l.now()

		var wait time.Duration
		if now.Before(l.pausedUntil) {
			wait = l.pausedUntil.Sub(now)
			// the ceiling counts from the end of the pause
			start = l.pausedUntil
		} else {
			l.refill(now)
			if l.tokens >= 1 {
				l.tokens--
				l.mu.Unlock()
				return nil
			}

			if now.Sub(start) >= l.opts.AcquireTimeout {
				l.forced++
				rate := l.rate
				l.mu.Unlock()

				if l.opts.OnTimeout == FailOnTimeout {
					return ErrAcquireTimeout
				}
				l.logger.Warn("rate limiter acquire forced through",
					"waited", now.Sub(start).String(),
					"rate", rate,
				)
				return nil
			}

			wait = time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		}
		l.mu.Unlock()

		if wait > l.opts.PollInterval {
			wait = l.opts.PollInterval
		}
		if wait < minWait {
			wait = minWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill adds tokens for the time elapsed since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(now time.Time) {
	if !now.After(l.lastRefill) {
		return
	}
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.opts.Burst, l.tokens+elapsed*l.rate)
	l.lastRefill = now
}

// RecordOutcome feeds the result of one request back into the limiter.
//
// Success and Failure only update the counting window, and are dropped while
// a pause is in effect since the next window opens at its end. RateLimited derives a
// new rate from the throughput measured since the window opened, pauses
// every caller until now+retryAfter (or the default pause), and resets the
// window and bucket. Signals that arrive while a pause is already in effect
// come from requests issued before it; they may extend the pause but do not
// adjust the rate again.
func (l *Limiter) RecordOutcome(kind Outcome, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	switch kind {
	case Success:
		// requests in flight when a pause began finish before the next
		// window opens and must not inflate it
		if now.Before(l.windowStart) {
			return
		}
		l.windowSuccesses++
	case Failure:
		if now.Before(l.windowStart) {
			return
		}
		l.windowFailures++
	case RateLimited:
		l.signals++
		l.windowSignals++

		pause := retryAfter
		if pause <= 0 {
			pause = l.opts.DefaultPause
		}
		until := now.Add(pause)

		if now.Before(l.pausedUntil) {
			if until.After(l.pausedUntil) {
				l.pausedUntil = until
				l.lastRefill = until
				l.windowStart = until
			}
			return
		}
		l.backOff(now, until)
	}
}

// backOff applies a rate-limit signal. Must be called with l.mu held.
func (l *Limiter) backOff(now, until time.Time) {
	oldRate := l.rate
	samples := l.windowSuccesses
	windowSecs := now.Sub(l.windowStart).Seconds()

	var measured, next float64
	if windowSecs > 0 && samples > 0 {
		measured = float64(samples) / windowSecs
		next = measured * defaultBackoffFactor
	} else {
		next = oldRate / 2
	}
	l.rate = clamp(next, l.opts.MinRate, l.opts.MaxRate)

	l.pausedUntil = until
	// no refill while paused; the bucket resumes from a small burst
	l.lastRefill = until
	l.tokens = l.opts.ResumeTokens

	// nothing can succeed during the pause, so the next window opens at its end
	l.resetWindow(until)
	l.calibrated = true

	l.record(Adjustment{
		At:           now,
		Reason:       "rate_limited",
		OldRate:      oldRate,
		NewRate:      l.rate,
		MeasuredRate: measured,
		Samples:      samples,
	})

	l.logger.Warn("rate limit signalled, pausing all callers",
		"old_rate", oldRate,
		"new_rate", l.rate,
		"measured_rate", measured,
		"samples", samples,
		"paused_for", until.Sub(now).String(),
	)
}

// ProbeIncrease raises the rate by 10% (bounded by MaxRate) when the current
// window holds at least ProbeMinSamples successes and no rate-limit signal.
//
// The first qualifying window while calibrating only confirms the initial
// guess and moves the limiter to [StateRunning]. Returns true if the rate
// was raised.
func (l *Limiter) ProbeIncrease() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.pausedUntil) {
		return false
	}
	if l.windowSignals > 0 || l.windowSuccesses < l.opts.ProbeMinSamples {
		return false
	}

	samples := l.windowSuccesses
	measured := 0.0
	if secs := now.Sub(l.windowStart).Seconds(); secs > 0 {
		measured = float64(samples) / secs
	}
	l.resetWindow(now)

	if !l.calibrated {
		l.calibrated = true
		return false
	}

	oldRate := l.rate
	l.rate = math.Min(l.opts.MaxRate, l.rate*defaultProbeFactor)
	if l.rate == oldRate {
		return false
	}

	l.record(Adjustment{
		At:           now,
		Reason:       "probe",
		OldRate:      oldRate,
		NewRate:      l.rate,
		MeasuredRate: measured,
		Samples:      samples,
	})
	l.logger.Debug("rate probe increased limit", "old_rate", oldRate, "new_rate", l.rate)
	return true
}

// resetWindow opens a fresh counting window. Must be called with l.mu held.
func (l *Limiter) resetWindow(at time.Time) {
	l.windowStart = at
	l.windowSuccesses = 0
	l.windowFailures = 0
	l.windowSignals = 0
}

// record appends to the bounded adjustment history. Must be called with l.mu held.
func (l *Limiter) record(a Adjustment) {
	l.history = append(l.history, a)
	if over := len(l.history) - l.opts.HistorySize; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// State returns the current lifecycle state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(l.now())
}

func (l *Limiter) stateLocked(now time.Time) State {
	switch {
	case now.Before(l.pausedUntil):
		return StatePaused
	case !l.calibrated:
		return StateCalibrating
	default:
		return StateRunning
	}
}

// PausedUntil returns the end of the current pause, or the zero time if the
// limiter has never been paused.
func (l *Limiter) PausedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pausedUntil
}

// Snapshot returns a consistent copy of the limiter's state.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tokens := l.tokens
	if now.After(l.lastRefill) {
		tokens = math.Min(l.opts.Burst, tokens+now.Sub(l.lastRefill).Seconds()*l.rate)
	}

	return Snapshot{
		State:           l.stateLocked(now),
		Rate:            l.rate,
		Tokens:          tokens,
		MaxTokens:       l.opts.Burst,
		PausedUntil:     l.pausedUntil,
		WindowSuccesses: l.windowSuccesses,
		WindowFailures:  l.windowFailures,
		Signals:         l.signals,
		Forced:          l.forced,
		Adjustments:     len(l.history),
	}
}

// Adjustments returns a copy of the retained rate adjustment history,
// oldest first.
func (l *Limiter) Adjustments() []Adjustment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Adjustment(nil), l.history...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
