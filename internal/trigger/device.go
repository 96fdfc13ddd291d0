// internal/trigger/device.go
package trigger

import (
	"fmt"
	"path"
)

// DeviceEvent matches notifications for one parameter of a device channel.
// Device is a glob (path.Match syntax); a nil Channel matches any channel.
type DeviceEvent struct {
	Device  string     `yaml:"device" json:"device"`
	Channel *int       `yaml:"channel,omitempty" json:"channel,omitempty"`
	Param   string     `yaml:"param" json:"param"`
	On      ChangeKind `yaml:"on" json:"on"`
}

// Validate rejects selectors that could only ever fail or match everything by accident.
func (d *DeviceEvent) Validate() error {
	if d.Device == "" {
		return fmt.Errorf("%w: device pattern is required (use \"*\" for any device)", ErrMalformedSelector)
	}
	if _, err := path.Match(d.Device, ""); err != nil {
		return fmt.Errorf("%w: device pattern %q: %v", ErrMalformedSelector, d.Device, err)
	}
	if d.Param == "" {
		return fmt.Errorf("%w: param is required", ErrMalformedSelector)
	}
	if d.Channel != nil && *d.Channel < 0 {
		return fmt.Errorf("%w: channel cannot be negative", ErrMalformedSelector)
	}
	switch d.On {
	case ValueChanged, ValueUpdated:
	default:
		return fmt.Errorf("%w: on must be %s or %s, got %q", ErrMalformedSelector, ValueChanged, ValueUpdated, d.On)
	}
	return nil
}

// Matches reports whether n satisfies the selector. A malformed selector
// never matches.
func (d *DeviceEvent) Matches(n Notification) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if ok, _ := path.Match(d.Device, n.DeviceID); !ok {
		return false, nil
	}
	if d.Channel != nil && *d.Channel != n.Channel {
		return false, nil
	}
	if d.Param != n.Param {
		return false, nil
	}
	if d.On == ValueChanged && n.Change != ValueChanged {
		return false, nil
	}
	return true, nil
}
