package clock

import "time"

// Millis is a monotonic millisecond tick. It wraps at the uint32 boundary,
// so never compare two Millis values with < or >; go through Since, which
// treats the difference as signed.
type Millis uint32

// Since returns now-then in milliseconds as a signed difference. The result
// is correct across a wraparound of the tick counter as long as the two
// values are within ~24 days of each other.
func Since(now, then Millis) int32 {
	return int32(uint32(now) - uint32(then))
}

// Clock yields monotonic millisecond ticks.
type Clock interface {
	Now() Millis
}

// Monotonic implements Clock on the runtime monotonic clock, anchored at
// construction time.
type Monotonic struct {
	start time.Time
}

// NewMonotonic creates a Monotonic clock starting at tick 0.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Now returns the milliseconds elapsed since the clock was created,
// truncated to the Millis range.
func (m *Monotonic) Now() Millis {
	return Millis(time.Since(m.start) / time.Millisecond)
}
