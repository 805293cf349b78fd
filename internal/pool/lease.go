package pool

import (
	"sync"
	"time"
)

// Lease is one checked-out [Session] on a pool worker.
type Lease struct {
	pool       *Pool
	worker     *worker
	session    Session
	workerID   string
	acquiredAt time.Time
	once       sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() Session { return l.session }

// WorkerID identifies the engine generation that served this lease.
func (l *Lease) WorkerID() string { return l.workerID }

// Held reports how long the lease has been checked out.
func (l *Lease) Held() time.Duration { return time.Since(l.acquiredAt) }

// Release closes the session and returns the worker to the pool. Session
// close failures are logged. Calling Release more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l)
	})
}
