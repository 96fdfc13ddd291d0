// internal/events/log.go
package events

import (
	"sync"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// DefaultLogSize is how many notifications the recent-event log keeps.
const DefaultLogSize = 1000

// Log is a fixed-size ring of the most recent notifications plus a count of
// everything ever seen.
type Log struct {
	mu    sync.Mutex
	buf   []trigger.Notification
	next  int
	full  bool
	total uint64
}

func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{buf: make([]trigger.Notification, size)}
}

func (l *Log) Add(n trigger.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = n
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Recent returns up to limit notifications, newest first. limit <= 0 means all.
func (l *Log) Recent(limit int) []trigger.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]trigger.Notification, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Total is the number of notifications ever added.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
