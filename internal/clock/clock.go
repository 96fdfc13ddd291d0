// internal/clock/clock.go
package clock

import (
	"sync"
	"time"
)

// tickLayout normalizes a wall-clock time to its minute.
const tickLayout = "2006-01-02T15:04"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
	Since(mark time.Time) time.Duration
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Since(mark time.Time) time.Duration { return time.Since(mark) }

// TickID returns the minute identity of t in t's location.
func TickID(t time.Time) string {
	return t.Format(tickLayout)
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(mark time.Time) time.Duration {
	return m.Now().Sub(mark)
}

// Set moves the clock to t, backwards included.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
