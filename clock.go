package epengine

import "time"

// Clock is an injected time capability. Production code uses RealClock;
// tests substitute a deterministic one. Nothing in this package calls
// time.Now() directly outside of RealClock.
type Clock func() time.Time

// RealClock is the default Clock, backed by the system wall clock.
func RealClock() time.Time { return time.Now() }

// relTime returns seconds since the engine's reference epoch. It works on
// Unix seconds rather than time.Duration, so clocks far from the epoch
// (such as the zero time.Time) do not overflow.
func relTime(c Clock, epoch time.Time) int64 {
	return c().Unix() - epoch.Unix()
}
