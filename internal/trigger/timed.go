// internal/trigger/timed.go
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/clock"
	"github.com/robfig/cron/v3"
)

// DefaultTolerance is the window after the nominal time in which a timed
// condition may still fire.
const DefaultTolerance = time.Minute

// Recurrence selects how a timed condition repeats.
type Recurrence string

const (
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
	Cron    Recurrence = "cron"
)

// Timed fires once per matching wall-clock minute.
type Timed struct {
	Recurrence Recurrence    `yaml:"recurrence" json:"recurrence"`
	At         string        `yaml:"at,omitempty" json:"at,omitempty"`                     // HH:MM
	Weekday    string        `yaml:"weekday,omitempty" json:"weekday,omitempty"`           // weekly
	DayOfMonth int           `yaml:"day_of_month,omitempty" json:"day_of_month,omitempty"` // monthly
	Expression string        `yaml:"expression,omitempty" json:"expression,omitempty"`     // cron, 5 fields
	Tolerance  time.Duration `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// CronSpec renders the recurrence as a standard 5-field cron expression.
func (t *Timed) CronSpec() (string, error) {
	if t.Recurrence == Cron {
		if strings.TrimSpace(t.Expression) == "" {
			return "", fmt.Errorf("%w: cron recurrence requires an expression", ErrInvalidCondition)
		}
		return t.Expression, nil
	}

	at, err := time.Parse("15:04", t.At)
	if err != nil {
		return "", fmt.Errorf("%w: at must be HH:MM, got %q", ErrInvalidCondition, t.At)
	}
	hour, minute := at.Hour(), at.Minute()

	switch t.Recurrence {
	case Daily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case Weekly:
		wd, ok := weekdays[strings.ToLower(t.Weekday)]
		if !ok {
			return "", fmt.Errorf("%w: unknown weekday %q", ErrInvalidCondition, t.Weekday)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, int(wd)), nil
	case Monthly:
		if t.DayOfMonth < 1 || t.DayOfMonth > 31 {
			return "", fmt.Errorf("%w: day_of_month must be 1-31, got %d", ErrInvalidCondition, t.DayOfMonth)
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, t.DayOfMonth), nil
	case "":
		return "", fmt.Errorf("%w: recurrence is required", ErrInvalidCondition)
	default:
		return "", fmt.Errorf("%w: unknown recurrence %q", ErrInvalidCondition, t.Recurrence)
	}
}

// Validate parses the recurrence without evaluating it.
func (t *Timed) Validate() error {
	if t.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance cannot be negative", ErrInvalidCondition)
	}
	_, err := t.schedule()
	return err
}

func (t *Timed) schedule() (cron.Schedule, error) {
	spec, err := t.CronSpec()
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return sched, nil
}

func (t *Timed) window() time.Duration {
	if t.Tolerance <= 0 {
		return DefaultTolerance
	}
	return t.Tolerance
}

// Next returns the first nominal occurrence strictly after from.
func (t *Timed) Next(from time.Time) (time.Time, error) {
	sched, err := t.schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// evaluate looks for a nominal occurrence in [now-window, now] that is later
// than the last fired tick. Starting the search at the last tick keeps a
// backward clock jump from reaching an occurrence that already fired.
func (t *Timed) evaluate(now time.Time, lastTick string) (Result, error) {
	sched, err := t.schedule()
	if err != nil {
		return Result{}, err
	}

	from := now.Add(-t.window())
	if lastTick != "" {
		if last, err := time.ParseInLocation("2006-01-02T15:04", lastTick, now.Location()); err == nil && last.After(from) {
			from = last
		}
	}

	occ := sched.Next(from)
	if occ.IsZero() || occ.After(now) {
		return Result{}, nil
	}
	tick := clock.TickID(occ)
	if tick == lastTick {
		return Result{}, nil
	}
	return Result{Fire: true, Tick: tick}, nil
}
