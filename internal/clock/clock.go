package clock

import "time"

// Clock abstracts time so that expiry, grace-window, and reconciliation
// cutoff logic can be tested without the system clock.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the real system clock.
type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// FixtureClock is a controllable clock for tests.
type FixtureClock struct {
	current time.Time
}

// NewFixtureClock creates a fixture clock starting at the given time.
// A zero time starts the clock at time.Now().
func NewFixtureClock(start time.Time) *FixtureClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &FixtureClock{current: start}
}

func (c *FixtureClock) Now() time.Time {
	return c.current
}

// Set moves the clock to a specific time.
func (c *FixtureClock) Set(t time.Time) {
	c.current = t
}

// Advance moves the clock forward (or backward, for negative d).
func (c *FixtureClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}
