// internal/events/wire.go
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// valuePayload is the body of an MQTT value message. A bare JSON scalar is
// accepted too and treated as {"value": <scalar>}.
type valuePayload struct {
	Value     any       `json:"value"`
	IsChange  bool      `json:"is_change"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeValue(payload []byte) (valuePayload, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return valuePayload{}, fmt.Errorf("%w: empty payload", ErrBadNotification)
	}
	if payload[0] == '{' {
		var vp valuePayload
		if err := json.Unmarshal(payload, &vp); err != nil {
			return valuePayload{}, fmt.Errorf("%w: %v", ErrBadNotification, err)
		}
		return vp, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		// Plain text values such as "ON" arrive unquoted.
		v = string(payload)
	}
	return valuePayload{Value: v}, nil
}

// parseTopic splits "<prefix>/<device>/<channel>/<param>".
func parseTopic(prefix, topic string) (device string, channel int, param string, err error) {
	rest := strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if rest == topic && prefix != "" {
		return "", 0, "", fmt.Errorf("%w: topic %q outside prefix %q", ErrBadNotification, topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("%w: topic %q is not <device>/<channel>/<param>", ErrBadNotification, topic)
	}
	channel, err = strconv.Atoi(parts[1])
	if err != nil || channel < 0 {
		return "", 0, "", fmt.Errorf("%w: bad channel in topic %q", ErrBadNotification, topic)
	}
	if parts[0] == "" || parts[2] == "" {
		return "", 0, "", fmt.Errorf("%w: empty device or param in topic %q", ErrBadNotification, topic)
	}
	return parts[0], channel, parts[2], nil
}

// decodeNotifications accepts one notification object or an array of them.
func decodeNotifications(body []byte) ([]trigger.Notification, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrBadNotification)
	}
	if body[0] == '[' {
		var list []trigger.Notification
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadNotification, err)
		}
		return list, nil
	}
	var n trigger.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	return []trigger.Notification{n}, nil
}
