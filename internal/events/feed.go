// internal/events/feed.go
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/clock"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// DefaultBuffer is the capacity of the stimulus channel.
const DefaultBuffer = 256

// SourceStatus describes one source's connection.
type SourceStatus struct {
	Name        string    `json:"name"`
	Connected   bool      `json:"connected"`
	Connects    int       `json:"connects"`
	LastError   string    `json:"last_error,omitempty"`
	LastChanged time.Time `json:"last_changed"`
}

// Feed turns source callbacks into an ordered stream of stimuli. It is the
// only Sink in the daemon; sources may call it from any goroutine.
type Feed struct {
	clock   clock.Clock
	logger  *slog.Logger
	tracker *Tracker
	log     *Log

	out  chan trigger.Stimulus
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	status map[string]*SourceStatus
}

// NewFeed creates a feed. buffer <= 0 uses DefaultBuffer.
func NewFeed(clk clock.Clock, buffer int, logger *slog.Logger) *Feed {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		clock:   clk,
		logger:  logger,
		tracker: NewTracker(),
		log:     NewLog(DefaultLogSize),
		out:     make(chan trigger.Stimulus, buffer),
		done:    make(chan struct{}),
		status:  make(map[string]*SourceStatus),
	}
}

// Stimuli is the channel the dispatcher drains.
func (f *Feed) Stimuli() <-chan trigger.Stimulus { return f.out }

// Log returns the recent-event log.
func (f *Feed) Log() *Log { return f.log }

// Run starts every source and blocks until ctx is cancelled and all sources
// have returned. Once Run returns, further callbacks are dropped.
func (f *Feed) Run(ctx context.Context, sources ...Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		f.register(src.Name())
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, f); err != nil && ctx.Err() == nil {
				f.logger.Error("event source stopped", "source", src.Name(), "error", err)
			}
		}(src)
	}

	<-ctx.Done()
	f.Close()
	wg.Wait()
}

// Close stops accepting stimuli. Blocked senders return immediately.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}

func (f *Feed) register(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.status[name]; !ok {
		f.status[name] = &SourceStatus{Name: name}
	}
}

// Connected implements Sink.
func (f *Feed) Connected(source string) {
	f.mu.Lock()
	st := f.statusLocked(source)
	st.Connected = true
	st.Connects++
	st.LastError = ""
	st.LastChanged = f.clock.Now()
	f.mu.Unlock()

	f.logger.Info("connected to controller", "source", source)
	f.emit(trigger.Stimulus{Kind: trigger.ConnectionEstablished, Now: f.clock.Now(), Source: source})
}

// Disconnected implements Sink.
func (f *Feed) Disconnected(source string, err error) {
	f.mu.Lock()
	st := f.statusLocked(source)
	st.Connected = false
	if err != nil {
		st.LastError = err.Error()
	}
	st.LastChanged = f.clock.Now()
	f.mu.Unlock()

	f.logger.Warn("controller connection lost", "source", source, "error", err)
}

// Notify implements Sink.
func (f *Feed) Notify(source string, n trigger.Notification) {
	if n.DeviceID == "" || n.Param == "" {
		f.logger.Warn("dropping notification without device or param", "source", source)
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = f.clock.Now()
	}
	f.tracker.Annotate(&n)
	f.log.Add(n)

	f.emit(trigger.Stimulus{Kind: trigger.DeviceNotification, Now: f.clock.Now(), Notification: &n})
}

func (f *Feed) emit(s trigger.Stimulus) {
	select {
	case f.out <- s:
	case <-f.done:
	}
}

func (f *Feed) statusLocked(name string) *SourceStatus {
	st, ok := f.status[name]
	if !ok {
		st = &SourceStatus{Name: name}
		f.status[name] = st
	}
	return st
}

// Status returns a snapshot of every known source, sorted by name.
func (f *Feed) Status() []SourceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SourceStatus, 0, len(f.status))
	for _, st := range f.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsConnected reports whether any source currently holds a connection.
func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.status {
		if st.Connected {
			return true
		}
	}
	return false
}
