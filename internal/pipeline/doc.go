// Package pipeline runs the streaming extraction pipeline: discovery on a
// bounded set of producers, a one-time configuration bootstrap, and one
// retrying executor per distinct locator, all sharing a [pool.Pool] of
// engines and a [ratelimit.Limiter].
package pipeline
