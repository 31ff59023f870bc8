package chatsync

import "time"

// Clock is the time source for every timer in the package. Tests swap in a
// manual clock so debounce and expiry windows run at their real durations.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// stopTimer stops t if set and reports nil so callers can clear their handle
// in one line: h.timer = stopTimer(h.timer).
func stopTimer(t Timer) Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
