// internal/events/tracker.go
package events

import (
	"fmt"
	"sync"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// Tracker remembers the last value seen per (device, channel, param) and
// classifies each notification as a change or a plain update.
type Tracker struct {
	mu   sync.Mutex
	last map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]string)}
}

// Annotate sets n.Change. With a known previous value the comparison
// decides; for the first value of a parameter the source's IsChange flag
// is trusted.
func (t *Tracker) Annotate(n *trigger.Notification) {
	key := fmt.Sprintf("%s/%d/%s", n.DeviceID, n.Channel, n.Param)
	val := fmt.Sprint(n.Value)

	t.mu.Lock()
	prev, known := t.last[key]
	t.last[key] = val
	t.mu.Unlock()

	changed := n.IsChange
	if known {
		changed = prev != val
	}
	if changed {
		n.Change = trigger.ValueChanged
	} else {
		n.Change = trigger.ValueUpdated
	}
}

// Forget drops all remembered values.
func (t *Tracker) Forget() {
	t.mu.Lock()
	t.last = make(map[string]string)
	t.mu.Unlock()
}
