// internal/events/webhook.go
package events

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// DefaultSecretHeader carries the shared secret of a webhook push.
const DefaultSecretHeader = "X-Pmatic-Secret"

const maxWebhookBody = 1 << 20

// WebhookOptions configures a WebhookSource.
type WebhookOptions struct {
	Path         string // mount point, default /events
	SecretHeader string
	Secret       string // empty accepts unauthenticated pushes
}

// WebhookSource receives notifications the controller POSTs to the daemon's
// HTTP listener. It is connected while the daemon is serving.
type WebhookSource struct {
	opts   WebhookOptions
	logger *slog.Logger

	mu   sync.RWMutex
	sink Sink
}

func NewWebhookSource(opts WebhookOptions, logger *slog.Logger) *WebhookSource {
	if opts.Path == "" {
		opts.Path = "/events"
	}
	if opts.SecretHeader == "" {
		opts.SecretHeader = DefaultSecretHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSource{opts: opts, logger: logger}
}

func (w *WebhookSource) Name() string { return "webhook" }

// Path is where the handler should be mounted.
func (w *WebhookSource) Path() string { return w.opts.Path }

func (w *WebhookSource) Run(ctx context.Context, sink Sink) error {
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()

	sink.Connected(w.Name())
	<-ctx.Done()

	w.mu.Lock()
	w.sink = nil
	w.mu.Unlock()
	sink.Disconnected(w.Name(), ErrDisconnected)
	return nil
}

// ServeHTTP accepts a single notification object or an array of them.
func (w *WebhookSource) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if w.opts.Secret != "" {
		got := r.Header.Get(w.opts.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.opts.Secret)) != 1 {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	w.mu.RLock()
	sink := w.sink
	w.mu.RUnlock()
	if sink == nil {
		http.Error(rw, "not accepting events", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "reading body", http.StatusBadRequest)
		return
	}
	list, err := decodeNotifications(body)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, ErrBadNotification) {
			status = http.StatusInternalServerError
		}
		http.Error(rw, err.Error(), status)
		return
	}

	for _, n := range list {
		sink.Notify(w.Name(), n)
	}
	rw.WriteHeader(http.StatusAccepted)
}
