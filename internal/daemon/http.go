// internal/daemon/http.go
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/rpc"
)

const (
	maxHistoryLimit = 500
	maxEventsLimit  = 1000
	statusTimeout   = 5 * time.Second
)

// listen binds the HTTP listener so a port conflict fails start-up.
func (d *Daemon) listen() error {
	addr := net.JoinHostPort(d.config.Daemon.ListenAddress, strconv.Itoa(d.config.Daemon.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	d.listener = ln
	d.httpServer = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", rateLimitHandler(60, d.handleHealth))
	mux.HandleFunc("/api/schedules", rateLimitHandler(30, d.handleAPISchedules))
	mux.HandleFunc("/api/history", rateLimitHandler(30, d.handleAPIHistory))
	mux.HandleFunc("/api/events", rateLimitHandler(30, d.handleAPIEvents))

	if d.webhook != nil {
		mux.HandleFunc(d.webhook.Path(), rateLimitHandler(600, d.webhook.ServeHTTP))
	}

	if d.config.Daemon.RPCSecret != "" {
		d.rpcServer = rpc.NewServer(d, d.config.Daemon.RPCSecret)
		mux.Handle("/rpc", d.rpcServer)
	} else {
		d.logger.Info("rpc_secret not set, control RPC disabled")
	}

	return mux
}

func (d *Daemon) serveHTTP(ctx context.Context) {
	d.logger.Info("starting HTTP server", "address", d.Addr())

	go func() {
		if err := d.httpServer.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, max)
}

// handleHealth reports liveness. It answers 503 once the dispatcher has
// stopped taking commands.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := d.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	resp := map[string]any{
		"status":            "ok",
		"uptime":            time.Since(d.startTime).Truncate(time.Second).String(),
		"boot_id":           st.BootID,
		"schedules_loaded":  st.Schedules,
		"schedules_enabled": st.Enabled,
		"running":           st.Running,
		"connected":         st.Connected,
		"history_enabled":   st.HistoryEnabled,
	}
	if st.PersistError != "" {
		resp["status"] = "degraded"
		resp["persist_error"] = st.PersistError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleAPISchedules(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	list, err := d.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("listing schedules: %v", err), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (d *Daemon) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	q := r.URL.Query()
	records, err := d.History(r.Context(), rpc.HistoryParams{
		ScheduleID: q.Get("schedule"),
		State:      q.Get("state"),
		Limit:      queryInt(r, "limit", 50, maxHistoryLimit),
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("querying history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (d *Daemon) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	res, err := d.RecentEvents(r.Context(), queryInt(r, "limit", 50, maxEventsLimit))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading events: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// bucket is a per-route token bucket refilled continuously up to perMinute.
type bucket struct {
	mu        sync.Mutex
	perMinute int
	tokens    float64
	last      time.Time
}

func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(float64(b.perMinute), b.tokens+now.Sub(b.last).Minutes()*float64(b.perMinute))
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimitHandler answers 429 once a route exceeds requestsPerMinute.
func rateLimitHandler(requestsPerMinute int, next http.HandlerFunc) http.HandlerFunc {
	b := &bucket{perMinute: requestsPerMinute, tokens: float64(requestsPerMinute), last: time.Now()}
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.take(time.Now()) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
