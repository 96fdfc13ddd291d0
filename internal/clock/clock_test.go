// internal/clock/clock_test.go
package clock

import (
	"testing"
	"time"
)

func TestTickID_TruncatesToMinute(t *testing.T) {
	a := time.Date(2026, 3, 14, 7, 30, 1, 0, time.UTC)
	b := time.Date(2026, 3, 14, 7, 30, 59, 999, time.UTC)
	c := time.Date(2026, 3, 14, 7, 31, 0, 0, time.UTC)

	if TickID(a) != TickID(b) {
		t.Errorf("same minute produced different ids: %s vs %s", TickID(a), TickID(b))
	}
	if TickID(a) == TickID(c) {
		t.Errorf("different minutes share id %s", TickID(a))
	}
	if got := TickID(a); got != "2026-03-14T07:30" {
		t.Errorf("TickID() = %q, want 2026-03-14T07:30", got)
	}
}

func TestManual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Second)
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}

	c.Set(start.Add(-time.Hour))
	if got := c.Since(start); got != -time.Hour {
		t.Errorf("Since() after backward Set = %v, want -1h", got)
	}
}
