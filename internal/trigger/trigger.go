// internal/trigger/trigger.go
package trigger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCondition is returned for conditions that can never be evaluated.
	ErrInvalidCondition = errors.New("invalid condition")
	// ErrMalformedSelector is returned for device selectors that cannot match anything.
	ErrMalformedSelector = errors.New("malformed device selector")
)

// Kind names the variant of a Condition.
type Kind string

const (
	KindStartup    Kind = "startup"
	KindConnection Kind = "connection_established"
	KindTimed      Kind = "timed"
	KindDevice     Kind = "device_event"
)

// Condition is a closed variant: Type selects which of the optional
// parameter blocks is populated.
type Condition struct {
	Type   Kind         `yaml:"type" json:"type"`
	Timed  *Timed       `yaml:"timed,omitempty" json:"timed,omitempty"`
	Device *DeviceEvent `yaml:"device_event,omitempty" json:"device_event,omitempty"`
}

// Validate checks that exactly the block matching Type is set and well formed.
func (c Condition) Validate() error {
	switch c.Type {
	case KindStartup, KindConnection:
		if c.Timed != nil || c.Device != nil {
			return fmt.Errorf("%w: %s takes no parameters", ErrInvalidCondition, c.Type)
		}
		return nil
	case KindTimed:
		if c.Timed == nil {
			return fmt.Errorf("%w: timed condition requires a timed block", ErrInvalidCondition)
		}
		if c.Device != nil {
			return fmt.Errorf("%w: timed condition cannot carry a device_event block", ErrInvalidCondition)
		}
		return c.Timed.Validate()
	case KindDevice:
		if c.Device == nil {
			return fmt.Errorf("%w: device_event condition requires a device_event block", ErrInvalidCondition)
		}
		if c.Timed != nil {
			return fmt.Errorf("%w: device_event condition cannot carry a timed block", ErrInvalidCondition)
		}
		return c.Device.Validate()
	case "":
		return fmt.Errorf("%w: condition type is required", ErrInvalidCondition)
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidCondition, c.Type)
	}
}

// Accepts reports whether a stimulus of kind k can fire c at all.
func (c Condition) Accepts(k StimulusKind) bool {
	switch c.Type {
	case KindStartup:
		return k == Startup
	case KindConnection:
		return k == ConnectionEstablished
	case KindTimed:
		return k == ClockTick
	case KindDevice:
		return k == DeviceNotification
	}
	return false
}

// StimulusKind classifies a Stimulus.
type StimulusKind string

const (
	Startup               StimulusKind = "startup"
	ConnectionEstablished StimulusKind = "connection_established"
	ClockTick             StimulusKind = "clock_tick"
	DeviceNotification    StimulusKind = "device_notification"
	// Manual is a run-now request; no condition accepts it.
	Manual StimulusKind = "manual"
)

// ChangeKind distinguishes a changed value from a plain refresh.
type ChangeKind string

const (
	ValueChanged ChangeKind = "value_changed"
	ValueUpdated ChangeKind = "value_updated"
)

// Notification is one value report from the controller.
type Notification struct {
	DeviceID  string     `json:"device_id"`
	Channel   int        `json:"channel"`
	Param     string     `json:"param"`
	Value     any        `json:"value"`
	IsChange  bool       `json:"is_change"`
	Timestamp time.Time  `json:"timestamp"`
	Change    ChangeKind `json:"change,omitempty"`
}

// Stimulus is one unit of input to an evaluation pass.
type Stimulus struct {
	Kind         StimulusKind
	Now          time.Time
	Boot         string // Startup only
	Source       string // ConnectionEstablished only
	Notification *Notification
}

// Data flattens the stimulus for argument templates and script environment.
func (s Stimulus) Data() map[string]any {
	data := map[string]any{
		"stimulus": string(s.Kind),
		"time":     s.Now.Format(time.RFC3339),
	}
	switch s.Kind {
	case Startup:
		data["boot_id"] = s.Boot
	case ConnectionEstablished:
		data["source"] = s.Source
	case DeviceNotification:
		if n := s.Notification; n != nil {
			data["device_id"] = n.DeviceID
			data["channel"] = n.Channel
			data["param"] = n.Param
			data["value"] = n.Value
			data["change"] = string(n.Change)
		}
	}
	return data
}

// RunState is the persisted part of a schedule that evaluation depends on.
type RunState struct {
	StartupBoot string // boot id of the daemon instance that last fired OnStartup
	LastTick    string // tick identity of the last fired timed occurrence
}

// Result is the outcome of one evaluation.
type Result struct {
	Fire bool
	Tick string // set for timed fires; the caller records it as LastTick
}

// Evaluate decides whether c fires for s given the schedule's run state.
// It has no side effects.
func Evaluate(c Condition, s Stimulus, st RunState) (Result, error) {
	switch c.Type {
	case KindStartup:
		if s.Kind != Startup || s.Boot == "" || s.Boot == st.StartupBoot {
			return Result{}, nil
		}
		return Result{Fire: true}, nil

	case KindConnection:
		return Result{Fire: s.Kind == ConnectionEstablished}, nil

	case KindTimed:
		if s.Kind != ClockTick {
			return Result{}, nil
		}
		if c.Timed == nil {
			return Result{}, fmt.Errorf("%w: timed condition without timed block", ErrInvalidCondition)
		}
		return c.Timed.evaluate(s.Now, st.LastTick)

	case KindDevice:
		if s.Kind != DeviceNotification || s.Notification == nil {
			return Result{}, nil
		}
		if c.Device == nil {
			return Result{}, fmt.Errorf("%w: device_event condition without selector", ErrMalformedSelector)
		}
		ok, err := c.Device.Matches(*s.Notification)
		return Result{Fire: ok}, err

	default:
		return Result{}, fmt.Errorf("%w: unknown condition type %q", ErrInvalidCondition, c.Type)
	}
}
