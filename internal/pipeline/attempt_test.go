package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestAttempt_RetryBound(t *testing.T) {
	a := NewAttempt(3, 100*time.Millisecond, 0)

	var delays []time.Duration
	for {
		d, ok := a.Begin()
		if !ok {
			break
		}
		if a.State() != Attempting {
			t.Fatalf("State() = %v during try, want attempting", a.State())
		}
		delays = append(delays, d)
		a.Fail(errors.New("timeout"))
	}

	if a.N() != 3 {
		t.Errorf("N() = %d, want 3", a.N())
	}
	if a.State() != Exhausted {
		t.Errorf("State() = %v, want exhausted", a.State())
	}
	if a.Err() == nil || a.Err().Error() != "timeout" {
		t.Errorf("Err() = %v, want last error", a.Err())
	}

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("got %d delays, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestAttempt_Backoff(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		max  time.Duration
		try  int
		want time.Duration
	}{
		{name: "first try", base: time.Second, try: 1, want: 0},
		{name: "first retry", base: time.Second, try: 2, want: time.Second},
		{name: "second retry", base: time.Second, try: 3, want: 2 * time.Second},
		{name: "fourth retry", base: time.Second, try: 5, want: 8 * time.Second},
		{name: "capped", base: time.Second, max: 5 * time.Second, try: 5, want: 5 * time.Second},
		{name: "no base", base: 0, try: 4, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAttempt(10, tt.base, tt.max)
			var d time.Duration
			for i := 0; i < tt.try; i++ {
				d, _ = a.Begin()
				a.Fail(errors.New("x"))
			}
			if d != tt.want {
				t.Errorf("delay before try %d = %v, want %v", tt.try, d, tt.want)
			}
		})
	}
}

func TestAttempt_SucceedStops(t *testing.T) {
	a := NewAttempt(5, 0, 0)
	a.Begin()
	a.Fail(errors.New("flaky"))
	a.Begin()
	a.Succeed()

	if a.State() != Succeeded {
		t.Errorf("State() = %v, want succeeded", a.State())
	}
	if _, ok := a.Begin(); ok {
		t.Error("Begin() after success returned ok")
	}
	if a.N() != 2 {
		t.Errorf("N() = %d, want 2", a.N())
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v after success, want nil", a.Err())
	}
}

func TestAttempt_Abort(t *testing.T) {
	a := NewAttempt(5, 0, 0)
	a.Begin()
	a.Abort(errors.New("pool closed"))

	if _, ok := a.Begin(); ok {
		t.Error("Begin() after Abort returned ok")
	}
	if a.State() != Exhausted || a.N() != 1 {
		t.Errorf("State() = %v, N() = %d", a.State(), a.N())
	}
}

func TestAttempt_AtLeastOneTry(t *testing.T) {
	a := NewAttempt(0, 0, 0)
	if _, ok := a.Begin(); !ok {
		t.Fatal("Begin() with max 0 returned false, want one try")
	}
	a.Fail(errors.New("x"))
	if _, ok := a.Begin(); ok {
		t.Error("second Begin() returned ok")
	}
}

func TestAttemptState_String(t *testing.T) {
	for s, want := range map[AttemptState]string{
		Pending:         "pending",
		Attempting:      "attempting",
		Succeeded:       "succeeded",
		Exhausted:       "exhausted",
		AttemptState(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
