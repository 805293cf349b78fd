// Package ratelimit provides the adaptive, process-wide token bucket shared by
// every extraction attempt.
//
// The limiter starts from a configured guess, counts how many requests
// succeed before the remote server signals a rate limit, and converges its
// refill rate to 90% of that measured throughput. A single rate-limit signal
// pauses every concurrent caller at once; there is no per-caller backoff.
//
// The main components are:
//
//   - [Limiter]: the shared bucket with its calibration window and pause
//   - [Signal]: error type collaborators return to report a rate limit
//   - [Adjustment]: diagnostic record of every rate change
//
// This package is internal to harvest. Configuration is done through the
// options of the root package.
package ratelimit
