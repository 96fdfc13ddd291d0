// internal/events/websocket.go
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colebrumley/pmaticmgr/internal/clock"
)

// Backoff is an exponential reconnect delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Max: 60 * time.Second, Multiplier: 2}
}

// Next returns the delay to wait before the next attempt and grows it.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current = time.Duration(float64(b.current) * b.Multiplier)
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset starts the next outage from the initial delay.
func (b *Backoff) Reset() { b.current = 0 }

// WebSocketOptions configures a WebSocketSource.
type WebSocketOptions struct {
	URL         string
	Token       string // sent as a bearer token when set
	Backoff     Backoff
	DialTimeout time.Duration
	Clock       clock.Clock // paces reconnects; default clock.System
}

// WebSocketSource reads JSON notifications (one object or an array per
// message) from a controller bridge and reconnects with backoff.
type WebSocketSource struct {
	opts   WebSocketOptions
	logger *slog.Logger
}

func NewWebSocketSource(opts WebSocketOptions, logger *slog.Logger) *WebSocketSource {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSource{opts: opts, logger: logger}
}

func (s *WebSocketSource) Name() string { return "websocket" }

func (s *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	backoff := s.opts.Backoff
	for {
		attempt := s.opts.Clock.Now()
		err := s.session(ctx, sink, &backoff)
		if ctx.Err() != nil {
			return nil
		}

		// The backoff delay is counted from the start of the last attempt,
		// so a session that outlived it reconnects at once.
		wait := reconnectWait(s.opts.Clock, attempt, backoff.Next())
		s.logger.Warn("websocket session ended, reconnecting", "error", err, "delay", wait)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func reconnectWait(clk clock.Clock, attempt time.Time, delay time.Duration) time.Duration {
	return max(delay-clk.Since(attempt), 0)
}

// session dials once and reads until the connection fails.
func (s *WebSocketSource) session(ctx context.Context, sink Sink, backoff *Backoff) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	conn, _, err := dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.opts.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	backoff.Reset()
	sink.Connected(s.Name())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			sink.Disconnected(s.Name(), err)
			return err
		}

		list, err := decodeNotifications(data)
		if err != nil {
			s.logger.Warn("ignoring websocket message", "error", err)
			continue
		}
		for _, n := range list {
			sink.Notify(s.Name(), n)
		}
	}
}
