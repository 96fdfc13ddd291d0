// internal/trigger/device_test.go
package trigger

import "testing"

func TestDeviceEvent_Matches(t *testing.T) {
	sel := &DeviceEvent{Device: "LEQ01*", Channel: intPtr(1), Param: "STATE", On: ValueUpdated}

	tests := []struct {
		name string
		n    Notification
		want bool
	}{
		{"match", Notification{DeviceID: "LEQ0123", Channel: 1, Param: "STATE"}, true},
		{"other device", Notification{DeviceID: "MEQ0123", Channel: 1, Param: "STATE"}, false},
		{"other channel", Notification{DeviceID: "LEQ0123", Channel: 2, Param: "STATE"}, false},
		{"other param", Notification{DeviceID: "LEQ0123", Channel: 1, Param: "LEVEL"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sel.Matches(tt.n)
			if err != nil {
				t.Fatalf("Matches() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceEvent_AnyChannel(t *testing.T) {
	sel := &DeviceEvent{Device: "*", Param: "TEMPERATURE", On: ValueUpdated}
	for _, ch := range []int{0, 1, 7} {
		ok, _ := sel.Matches(Notification{DeviceID: "X", Channel: ch, Param: "TEMPERATURE"})
		if !ok {
			t.Errorf("channel %d did not match a selector without channel", ch)
		}
	}
}

// notificationsFor builds a sequence as the event feed would annotate it: the
// first value has no predecessor and is a plain update.
func notificationsFor(values []int) []Notification {
	var out []Notification
	prev := 0
	for i, v := range values {
		change := ValueUpdated
		if i > 0 && v != prev {
			change = ValueChanged
		}
		out = append(out, Notification{DeviceID: "LEQ9", Channel: 1, Param: "LEVEL", Value: v, Change: change})
		prev = v
	}
	return out
}

func TestDeviceEvent_ChangedVersusUpdated(t *testing.T) {
	seq := notificationsFor([]int{5, 5, 7, 7, 5})

	tests := []struct {
		on   ChangeKind
		want int
	}{
		{ValueChanged, 2},
		{ValueUpdated, 5},
	}
	for _, tt := range tests {
		t.Run(string(tt.on), func(t *testing.T) {
			c := Condition{Type: KindDevice, Device: &DeviceEvent{Device: "LEQ9", Param: "LEVEL", On: tt.on}}
			fires := 0
			for i := range seq {
				res, err := Evaluate(c, Stimulus{Kind: DeviceNotification, Notification: &seq[i]}, RunState{})
				if err != nil {
					t.Fatal(err)
				}
				if res.Fire {
					fires++
				}
			}
			if fires != tt.want {
				t.Errorf("fires = %d, want %d", fires, tt.want)
			}
		})
	}
}
