package pipeline

import "time"

// AttemptState is the lifecycle state of one work item's retry loop.
type AttemptState int

const (
	Pending AttemptState = iota
	Attempting
	Succeeded
	Exhausted
)

func (s AttemptState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Attempt tracks the retry loop of a single item:
//
//	Pending -> Attempting(n) -> Succeeded | Exhausted
//
// It performs no I/O; the caller sleeps for the delay returned by Begin.
type Attempt struct {
	max        int
	base       time.Duration
	maxBackoff time.Duration

	n     int
	state AttemptState
	err   error
}

// NewAttempt returns an Attempt allowing at most max tries. Retries wait
// base*2^(n-1) before the n-th retry, capped at maxBackoff when it is
// positive.
func NewAttempt(max int, base, maxBackoff time.Duration) *Attempt {
	if max < 1 {
		max = 1
	}
	return &Attempt{max: max, base: base, maxBackoff: maxBackoff}
}

// Begin starts the next try. It returns the backoff to wait before the try
// and false when no try is left.
func (a *Attempt) Begin() (time.Duration, bool) {
	if a.state == Succeeded || a.state == Exhausted {
		return 0, false
	}
	if a.n >= a.max {
		a.state = Exhausted
		return 0, false
	}
	a.n++
	a.state = Attempting
	return a.backoff(), true
}

func (a *Attempt) backoff() time.Duration {
	if a.n <= 1 || a.base <= 0 {
		return 0
	}
	d := a.base
	for i := 2; i < a.n; i++ {
		d *= 2
		if a.maxBackoff > 0 && d >= a.maxBackoff {
			return a.maxBackoff
		}
	}
	if a.maxBackoff > 0 && d > a.maxBackoff {
		return a.maxBackoff
	}
	return d
}

// Succeed marks the current try as successful.
func (a *Attempt) Succeed() {
	a.state = Succeeded
	a.err = nil
}

// Fail records err for the current try. The attempt is exhausted once the
// last try has failed.
func (a *Attempt) Fail(err error) {
	a.err = err
	if a.n >= a.max {
		a.state = Exhausted
		return
	}
	a.state = Pending
}

// Abort exhausts the attempt immediately with err.
func (a *Attempt) Abort(err error) {
	a.err = err
	a.state = Exhausted
}

// N returns the number of tries started so far.
func (a *Attempt) N() int { return a.n }

// State returns the current state.
func (a *Attempt) State() AttemptState { return a.state }

// Err returns the error of the most recent failed try.
func (a *Attempt) Err() error { return a.err }
