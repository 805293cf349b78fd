package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/harvest/internal/pool"
	"github.com/jpalmerr/harvest/internal/ratelimit"
)

// process drives one item through its retry loop until it is persisted or
// exhausted. Failures are recorded, never returned: one bad item must not
// stop the run.
//
// A record that fails to persist keeps its remaining tries for persistence
// alone; extraction is not re-run.
func (o *Orchestrator[C, R]) process(ctx context.Context, item Item, cfg C) {
	a := NewAttempt(o.cfg.MaxRetries, o.cfg.BackoffBase, o.cfg.MaxBackoff)

	var (
		rec       R
		extracted bool
	)
	for {
		delay, ok := a.Begin()
		if !ok {
			break
		}

		if a.N() > 1 {
			if err := sleep(ctx, delay); err != nil {
				a.Abort(fmt.Errorf("retry cancelled: %w", err))
				break
			}
			o.stats.retry()
		}

		if !extracted {
			r, err := o.attempt(ctx, item, cfg)
			if err != nil {
				o.logger.Debug("attempt failed",
					"locator", item.Locator,
					"attempt", a.N(),
					"error", err,
				)
				if terminal(err) || ctx.Err() != nil {
					a.Abort(err)
					break
				}
				a.Fail(err)
				continue
			}
			rec, extracted = r, true
		}

		// persist outside the lease so the engine is free for the next item
		if err := o.safePersist(context.WithoutCancel(ctx), item, rec); err != nil {
			err = fmt.Errorf("persist: %w", err)
			o.logger.Debug("persist failed",
				"locator", item.Locator,
				"attempt", a.N(),
				"error", err,
			)
			if ctx.Err() != nil {
				a.Abort(err)
				break
			}
			a.Fail(err)
			continue
		}

		a.Succeed()
		o.stats.succeeded()
		return
	}

	o.logger.Warn("item failed",
		"locator", item.Locator,
		"partition", item.Partition,
		"attempts", a.N(),
		"error", a.Err(),
	)
	o.stats.failed(Failure{
		Locator:   item.Locator,
		Partition: item.Partition,
		Attempts:  a.N(),
		Err:       a.Err(),
	})
}

// attempt performs one try: a limiter token, a fresh lease, one extraction.
// The lease is released before attempt returns.
func (o *Orchestrator[C, R]) attempt(ctx context.Context, item Item, cfg C) (R, error) {
	var zero R

	if err := o.limiter.Acquire(ctx); err != nil {
		return zero, fmt.Errorf("rate limiter: %w", err)
	}

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		return zero, fmt.Errorf("acquire lease: %w", err)
	}
	defer lease.Release()

	// a started try runs to completion even if the run is cancelled
	rec, err := o.safeExtract(context.WithoutCancel(ctx), item, cfg, lease.Session())
	if err != nil {
		if retryAfter, ok := ratelimit.AsSignal(err); ok {
			o.limiter.RecordOutcome(ratelimit.RateLimited, retryAfter)
		} else {
			o.limiter.RecordOutcome(ratelimit.Failure, 0)
		}
		return zero, err
	}

	o.limiter.RecordOutcome(ratelimit.Success, 0)
	return rec, nil
}

// terminal reports pool errors that no retry can fix.
func terminal(err error) bool {
	return errors.Is(err, pool.ErrClosed) || errors.Is(err, pool.ErrExhausted)
}

// safeExtract calls the extract function with panic recovery.
func (o *Orchestrator[C, R]) safeExtract(ctx context.Context, item Item, cfg C, s pool.Session) (rec R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.recovered("extract", r, "locator", item.Locator)
		}
	}()
	return o.funcs.Extract(ctx, item, cfg, s)
}

func (o *Orchestrator[C, R]) safePersist(ctx context.Context, item Item, rec R) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.recovered("persist", r, "locator", item.Locator)
		}
	}()
	return o.funcs.Persist(ctx, item, rec)
}

// recovered logs a recovered panic with its stack trace under a fresh
// correlation ID and returns an error carrying the same ID.
func (o *Orchestrator[C, R]) recovered(stage string, r any, attrs ...any) error {
	correlationID := uuid.NewString()
	attrs = append(attrs,
		"correlation_id", correlationID,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()),
	)
	o.logger.Error(stage+" panic", attrs...)
	return fmt.Errorf("%s panic (correlation_id: %s)", stage, correlationID)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
