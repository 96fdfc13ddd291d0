// internal/events/events.go
package events

import (
	"context"
	"errors"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

var (
	// ErrDisconnected is reported to the Sink when a source loses its
	// connection to the controller.
	ErrDisconnected = errors.New("event source disconnected")
	// ErrBadNotification is returned for payloads that do not describe a
	// device value.
	ErrBadNotification = errors.New("malformed notification")
)

// Sink receives everything a Source observes.
type Sink interface {
	// Connected is called once per (re)connection, before any notification
	// received over that connection.
	Connected(source string)
	Disconnected(source string, err error)
	Notify(source string, n trigger.Notification)
}

// Source is a transport that delivers controller notifications. Run blocks
// until ctx is cancelled; reconnecting is the source's own business.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}
