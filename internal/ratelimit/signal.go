package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signal is returned by collaborators when the remote server refused a
// request because of its rate limit (HTTP 429 and friends).
//
// RetryAfter carries the server's hint; zero means no hint was given and
// the limiter's default pause applies.
type Signal struct {
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (s *Signal) Error() string {
	msg := "rate limited"
	if s.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited (retry after %s)", s.RetryAfter)
	}
	if s.Cause != nil {
		return msg + ": " + s.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (s *Signal) Unwrap() error {
	return s.Cause
}

// AsSignal reports whether err carries a rate-limit [Signal] anywhere in its
// chain, returning the server's retry hint.
func AsSignal(err error) (time.Duration, bool) {
	var sig *Signal
	if errors.As(err, &sig) {
		return sig.RetryAfter, true
	}
	return 0, false
}

// IsRateLimitStatus reports whether an HTTP status code means "slow down".
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// ParseRetryAfter parses a Retry-After header value.
//
// Both forms allowed by RFC 9110 are accepted: delay-seconds ("120") and an
// HTTP date. Unparseable, empty or past values return zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
