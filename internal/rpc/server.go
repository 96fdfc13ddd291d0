// internal/rpc/server.go
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/runner"
)

// Custom JSON-RPC error codes.
const (
	CodeNotFound       = jrpc2.Code(-32001)
	CodeAlreadyRunning = jrpc2.Code(-32002)
	CodeConfig         = jrpc2.Code(-32003)
	CodeLaunchFailed   = jrpc2.Code(-32004)
	codeInvalidParams  = jrpc2.Code(-32602)
	codeUnauthorized   = -32600
)

// Method names.
const (
	MethodStatus  = "system.status"
	MethodList    = "schedule.list"
	MethodGet     = "schedule.get"
	MethodEnable  = "schedule.enable"
	MethodDisable = "schedule.disable"
	MethodRun     = "schedule.run"
	MethodAbort   = "schedule.abort"
	MethodOutput  = "schedule.output"
	MethodReload  = "manager.reload"
	MethodHistory = "history.list"
	MethodEvents  = "events.recent"
	MethodScripts = "scripts.list"
)

// Server exposes a Controller as JSON-RPC 2.0 over HTTP POST.
type Server struct {
	ctrl   Controller
	bridge jhttp.Bridge
	http   http.Handler
}

// NewServer builds the bridge. Every request must carry
// "Authorization: Bearer <secret>"; an empty secret rejects everything.
func NewServer(ctrl Controller, secret string) *Server {
	s := &Server{ctrl: ctrl}

	methods := handler.Map{
		MethodStatus:  handler.New(s.systemStatus),
		MethodList:    handler.New(s.scheduleList),
		MethodGet:     handler.New(s.scheduleGet),
		MethodEnable:  handler.New(s.scheduleEnable),
		MethodDisable: handler.New(s.scheduleDisable),
		MethodRun:     handler.New(s.scheduleRun),
		MethodAbort:   handler.New(s.scheduleAbort),
		MethodOutput:  handler.New(s.scheduleOutput),
		MethodReload:  handler.New(s.managerReload),
		MethodHistory: handler.New(s.historyList),
		MethodEvents:  handler.New(s.eventsRecent),
		MethodScripts: handler.New(s.scriptsList),
	}

	s.bridge = jhttp.NewBridge(methods, nil)
	s.http = requireToken(secret, s.bridge)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

// Close shuts down the bridge.
func (s *Server) Close() error {
	return s.bridge.Close()
}

// requireToken wraps next with bearer-token authentication and answers
// failures with a JSON-RPC error body.
func requireToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validToken(secret, r.Header.Get("Authorization")) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    codeUnauthorized,
					"message": "Unauthorized",
				},
				"id": nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validToken(secret, authHeader string) bool {
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// rpcError maps domain errors to JSON-RPC codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *registry.ConfigError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, dispatch.ErrNoRun):
		return &jrpc2.Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, dispatch.ErrAlreadyRunning), errors.Is(err, dispatch.ErrNotRunning):
		return &jrpc2.Error{Code: CodeAlreadyRunning, Message: err.Error()}
	case errors.As(err, &cfgErr):
		return &jrpc2.Error{Code: CodeConfig, Message: err.Error()}
	case errors.Is(err, runner.ErrScriptNotFound), errors.Is(err, runner.ErrLaunchFailed):
		return &jrpc2.Error{Code: CodeLaunchFailed, Message: err.Error()}
	}
	return err
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	return nil
}

func (s *Server) systemStatus(ctx context.Context) (*SystemStatus, error) {
	st, err := s.ctrl.Status(ctx)
	return st, rpcError(err)
}

func (s *Server) scheduleList(ctx context.Context) (*SchedulesResult, error) {
	list, err := s.ctrl.ListSchedules(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return &SchedulesResult{Schedules: list}, nil
}

func (s *Server) scheduleGet(ctx context.Context, p *IDParams) (*dispatch.ScheduleStatus, error) {
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	st, err := s.ctrl.GetSchedule(ctx, p.ID)
	return st, rpcError(err)
}

func (s *Server) scheduleEnable(ctx context.Context, p *IDParams) (*EmptyResult, error) {
	return s.setEnabled(ctx, p, true)
}

func (s *Server) scheduleDisable(ctx context.Context, p *IDParams) (*EmptyResult, error) {
	return s.setEnabled(ctx, p, false)
}

func (s *Server) setEnabled(ctx context.Context, p *IDParams, enabled bool) (*EmptyResult, error) {
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	if err := s.ctrl.SetEnabled(ctx, p.ID, enabled); err != nil {
		return nil, rpcError(err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) scheduleRun(ctx context.Context, p *RunParams) (*dispatch.RunResult, error) {
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	res, err := s.ctrl.RunNow(ctx, p.ID, p.Token)
	return res, rpcError(err)
}

func (s *Server) scheduleAbort(ctx context.Context, p *IDParams) (*AbortResult, error) {
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	n, err := s.ctrl.Abort(ctx, p.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	return &AbortResult{Signalled: n}, nil
}

func (s *Server) scheduleOutput(ctx context.Context, p *OutputParams) (*dispatch.OutputChunk, error) {
	if err := requireID(p.ID); err != nil {
		return nil, err
	}
	if p.Offset < 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "offset cannot be negative"}
	}
	chunk, err := s.ctrl.Output(ctx, p.ID, p.Offset)
	return chunk, rpcError(err)
}

func (s *Server) managerReload(ctx context.Context) (*ReloadResult, error) {
	res, err := s.ctrl.Reload(ctx)
	return res, rpcError(err)
}

func (s *Server) historyList(ctx context.Context, p *HistoryParams) (*HistoryResult, error) {
	if p.Limit < 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "limit cannot be negative"}
	}
	runs, err := s.ctrl.History(ctx, *p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &HistoryResult{Runs: runs}, nil
}

func (s *Server) eventsRecent(ctx context.Context, p *LimitParams) (*EventsResult, error) {
	res, err := s.ctrl.RecentEvents(ctx, p.Limit)
	return res, rpcError(err)
}

func (s *Server) scriptsList(ctx context.Context) (*ScriptsResult, error) {
	scripts, err := s.ctrl.Scripts(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ScriptsResult{Scripts: scripts}, nil
}
