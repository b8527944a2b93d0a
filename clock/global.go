package clock

import "time"

var GlobalClock Clock

// Now returns the current time.
//
// It is shorthand for GlobalClock.Now().
func Now() time.Time {
	return GlobalClock.Now()
}

// Since returns the time elapsed since t.
//
// It is shorthand for GlobalClock.Since(t).
func Since(t time.Time) time.Duration {
	return GlobalClock.Since(t)
}

// Freeze pins the global clock, for use in tests only.
func Freeze(t time.Time) {
	GlobalClock.Freeze(t)
}
