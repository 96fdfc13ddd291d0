// internal/events/wire_test.go
package events

import (
	"errors"
	"testing"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		device  string
		channel int
		param   string
		wantErr bool
	}{
		{"pmatic/LEQ0001/1/STATE", "LEQ0001", 1, "STATE", false},
		{"pmatic/LEQ0001/0/UNREACH", "LEQ0001", 0, "UNREACH", false},
		{"pmatic/LEQ0001/STATE", "", 0, "", true},
		{"pmatic/LEQ0001/x/STATE", "", 0, "", true},
		{"other/LEQ0001/1/STATE", "", 0, "", true},
		{"pmatic//1/STATE", "", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			device, channel, param, err := parseTopic("pmatic", tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrBadNotification) {
					t.Fatalf("err = %v, want ErrBadNotification", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if device != tt.device || channel != tt.channel || param != tt.param {
				t.Errorf("got %s/%d/%s", device, channel, param)
			}
		})
	}
}

func TestDecodeValue(t *testing.T) {
	vp, err := decodeValue([]byte(`{"value": 21.5, "is_change": true}`))
	if err != nil {
		t.Fatal(err)
	}
	if vp.Value != 21.5 || !vp.IsChange {
		t.Errorf("object payload = %+v", vp)
	}

	vp, err = decodeValue([]byte(`true`))
	if err != nil || vp.Value != true {
		t.Errorf("scalar payload = %+v, %v", vp, err)
	}

	vp, err = decodeValue([]byte(`ON`))
	if err != nil || vp.Value != "ON" {
		t.Errorf("text payload = %+v, %v", vp, err)
	}

	if _, err := decodeValue([]byte("  ")); !errors.Is(err, ErrBadNotification) {
		t.Errorf("empty payload err = %v", err)
	}
}

func TestDecodeNotifications(t *testing.T) {
	list, err := decodeNotifications([]byte(`{"device_id":"A","channel":1,"param":"STATE","value":true}`))
	if err != nil || len(list) != 1 || list[0].DeviceID != "A" {
		t.Fatalf("single = %+v, %v", list, err)
	}

	list, err = decodeNotifications([]byte(`[{"device_id":"A","param":"P"},{"device_id":"B","param":"P"}]`))
	if err != nil || len(list) != 2 {
		t.Fatalf("array = %+v, %v", list, err)
	}

	if _, err := decodeNotifications([]byte(`{"device_id":`)); !errors.Is(err, ErrBadNotification) {
		t.Errorf("truncated err = %v", err)
	}
}
