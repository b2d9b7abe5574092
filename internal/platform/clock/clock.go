package clock

import "time"

// Clock is the time source for dataset timestamps and index refresh scheduling.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time in UTC. Round(0) drops the monotonic reading so
// a timestamp compares equal to itself after a trip through the index.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Fixed always reports the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}
