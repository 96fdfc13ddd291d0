// internal/events/sink_test.go
package events

import (
	"sync"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// recordingSink captures source callbacks for tests.
type recordingSink struct {
	mu            sync.Mutex
	connects      int
	disconnects   int
	notifications []trigger.Notification
	notified      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notified: make(chan struct{}, 100)}
}

func (r *recordingSink) Connected(string) {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *recordingSink) Disconnected(string, error) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *recordingSink) Notify(_ string, n trigger.Notification) {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
	select {
	case r.notified <- struct{}{}:
	default:
	}
}

func (r *recordingSink) snapshot() (int, int, []trigger.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects, append([]trigger.Notification(nil), r.notifications...)
}
