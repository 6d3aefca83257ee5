// Package clock provides the wall clock used by every component and the
// debounced system idle signal.
package clock

import "time"

// Clock abstracts wall time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock and renders civil time in a fixed zone.
type Real struct {
	Location *time.Location
}

func (r Real) Now() time.Time { return time.Now() }

// LocalNow returns the current civil time in the configured zone.
func (r Real) LocalNow() time.Time { return time.Now().In(r.Location) }

// Fixed is a test clock that returns a settable instant.
type Fixed struct {
	Instant time.Time
}

func (f *Fixed) Now() time.Time { return f.Instant }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }
