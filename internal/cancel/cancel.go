// Package cancel implements per-session cooperative cancellation and
// rate-limited progress reporting (C5).
//
// Grounded on the teacher's small single-purpose atomic-state style
// (sim/rng.go's PartitionedRNG) and the time-throttling idiom used for
// async side-effects in oriys-nova's executor.go.
package cancel

import (
	"sync/atomic"
	"time"
)

// Flag is a per-session abort flag. Settable from any goroutine; observed
// cooperatively at each infer loop iteration.
type Flag struct {
	set atomic.Bool
}

// Abort requests cancellation. Returns false if an abort was already
// pending (spec.md §7 AbortAlreadyPending).
func (f *Flag) Abort() bool {
	return f.set.CompareAndSwap(false, true)
}

// Aborted reports whether Abort has been called since the last Reset.
func (f *Flag) Aborted() bool { return f.set.Load() }

// Reset clears the flag. The session calls it only from an infer call
// that has observed a pending abort and stopped on it, never
// preemptively, so an abort set while no inference is running stays
// pending until an infer sees it.
func (f *Flag) Reset() { f.set.Store(false) }

// Throttle rate-limits a boolean-returning callback so it fires at most
// once per period; calls between the floor are dropped (return value
// true, meaning "continue", since nothing was reported). Matches
// spec.md §4.5: "recommended floor is one event every 500ms; additional
// events ... are dropped."
type Throttle struct {
	period time.Duration
	last   time.Time
}

// NewThrottle returns a Throttle with the given minimum period between
// forwarded events. period <= 0 disables throttling (every call passes).
func NewThrottle(period time.Duration) *Throttle {
	return &Throttle{period: period}
}

// Allow reports whether enough time has elapsed since the last allowed
// call to forward this event. The first call always returns true.
func (t *Throttle) Allow(now time.Time) bool {
	if t.period <= 0 {
		return true
	}
	if t.last.IsZero() || now.Sub(t.last) >= t.period {
		t.last = now
		return true
	}
	return false
}

// PrefillCallback is the decode-progress hook (spec.md §6 Progress{phase:
// prefill}); it returns "continue" but per design note (a) a false here
// is advisory only.
type PrefillCallback func(progress float64) (cont bool)

// TokenCallback is the per-token generation hook (spec.md §6
// Inference{content}); a false return is a hard stop (cancellation).
type TokenCallback func(fragment string) (cont bool)

// ThrottledPrefill wraps cb so it is invoked at most once per period;
// dropped calls report cont=true without invoking cb.
func ThrottledPrefill(cb PrefillCallback, period time.Duration) PrefillCallback {
	if cb == nil {
		return nil
	}
	th := NewThrottle(period)
	return func(progress float64) bool {
		if !th.Allow(time.Now()) {
			return true
		}
		return cb(progress)
	}
}

// ThrottledToken wraps cb so it is invoked at most once per period;
// dropped calls report cont=true without invoking cb. This applies to
// every fragment, the last one of an infer call included, and a dropped
// fragment is not delivered later. Only the notification cadence is
// throttled, not token accounting: the infer result's accumulated text
// still holds the full output.
func ThrottledToken(cb TokenCallback, period time.Duration) TokenCallback {
	if cb == nil {
		return nil
	}
	th := NewThrottle(period)
	return func(fragment string) bool {
		if !th.Allow(time.Now()) {
			return true
		}
		return cb(fragment)
	}
}
