// Package pool manages a fixed set of heavyweight rendering engines and
// hands out short-lived leases on them.
//
// The pool size is the primary backpressure mechanism of a harvest run:
// extraction attempts block in [Pool.Acquire] until an engine is free, no
// matter how many items are queued. Engines are recycled after serving a
// configured number of leases to bound leaks inside long-lived processes
// such as browsers.
//
// The main components are:
//
//   - [Engine]: a heavyweight resource (a browser, a connection pool)
//   - [Session]: a lightweight handle opened on an Engine for one attempt
//   - [Pool]: owns the engines, FIFO-fair handoff, recycling and shutdown
//   - [Lease]: one checked-out Session, released exactly once
package pool
