// internal/rpc/server_test.go
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/dispatch"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

const testSecret = "s3cret"

type fakeController struct {
	schedules map[string]*dispatch.ScheduleStatus
	running   map[string]bool
	runs      int
	history   HistoryParams
	events    int
}

func newFakeController() *fakeController {
	return &fakeController{
		schedules: map[string]*dispatch.ScheduleStatus{
			"backup": {Schedule: registry.Schedule{Schedule: config.Schedule{
				ID: "backup", Name: "Backup", Script: "backup.sh", Enabled: true,
				Condition: trigger.Condition{Type: trigger.KindStartup},
			}}},
		},
		running: map[string]bool{},
	}
}

func (f *fakeController) lookup(id string) (*dispatch.ScheduleStatus, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, registry.ErrNotFound)
	}
	return s, nil
}

func (f *fakeController) Status(context.Context) (*SystemStatus, error) {
	return &SystemStatus{Version: "test", BootID: "boot-1", Schedules: len(f.schedules)}, nil
}

func (f *fakeController) ListSchedules(context.Context) ([]dispatch.ScheduleStatus, error) {
	var out []dispatch.ScheduleStatus
	for _, s := range f.schedules {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeController) GetSchedule(_ context.Context, id string) (*dispatch.ScheduleStatus, error) {
	return f.lookup(id)
}

func (f *fakeController) SetEnabled(_ context.Context, id string, enabled bool) error {
	s, err := f.lookup(id)
	if err != nil {
		return err
	}
	s.Enabled = enabled
	return nil
}

func (f *fakeController) RunNow(_ context.Context, id, token string) (*dispatch.RunResult, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	if f.running[id] {
		return nil, dispatch.ErrAlreadyRunning
	}
	f.running[id] = true
	f.runs++
	return &dispatch.RunResult{RunID: "run-" + token, PID: 4242}, nil
}

func (f *fakeController) Abort(_ context.Context, id string) (int, error) {
	if _, err := f.lookup(id); err != nil {
		return 0, err
	}
	if !f.running[id] {
		return 0, dispatch.ErrNotRunning
	}
	delete(f.running, id)
	return 1, nil
}

func (f *fakeController) Output(_ context.Context, id string, offset int) (*dispatch.OutputChunk, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	out := "hello world\n"
	return &dispatch.OutputChunk{RunID: "run-1", Output: out[offset:], Next: len(out), Running: true}, nil
}

func (f *fakeController) Reload(context.Context) (*ReloadResult, error) {
	return &ReloadResult{
		Added:  []string{"new"},
		Failed: []FileError{{File: "broken.yaml", Error: "bad"}},
	}, nil
}

func (f *fakeController) History(_ context.Context, p HistoryParams) ([]state.RunRecord, error) {
	f.history = p
	return []state.RunRecord{{RunID: "run-1", ScheduleID: "backup", State: state.StateSuccess}}, nil
}

func (f *fakeController) RecentEvents(_ context.Context, limit int) (*EventsResult, error) {
	f.events = limit
	return &EventsResult{Total: 1, Events: []trigger.Notification{{DeviceID: "LEQ1", Channel: 1, Param: "STATE", Value: true}}}, nil
}

func (f *fakeController) Scripts(context.Context) ([]string, error) {
	return []string{"backup.sh", "lights/on.sh"}, nil
}

func startServer(t *testing.T, ctrl Controller, secret string) *Client {
	t.Helper()
	srv := NewServer(ctrl, secret)
	ts := httptest.NewServer(srv)
	cli := Dial(ts.URL, testSecret, 5*time.Second)
	t.Cleanup(func() {
		cli.Close()
		ts.Close()
		srv.Close()
	})
	return cli
}

func TestServer_ScheduleLifecycle(t *testing.T) {
	ctrl := newFakeController()
	cli := startServer(t, ctrl, testSecret)
	ctx := context.Background()

	st, err := cli.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.BootID != "boot-1" || st.Schedules != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	list, err := cli.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != "backup" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].Condition.Type != trigger.KindStartup {
		t.Errorf("condition type = %q, want startup", list[0].Condition.Type)
	}

	if err := cli.SetEnabled(ctx, "backup", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if ctrl.schedules["backup"].Enabled {
		t.Error("schedule still enabled after disable")
	}

	res, err := cli.RunNow(ctx, "backup", "tok")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if res.RunID != "run-tok" || res.PID != 4242 {
		t.Errorf("unexpected run result: %+v", res)
	}

	chunk, err := cli.Output(ctx, "backup", 6)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if chunk.Output != "world\n" || chunk.Next != 12 {
		t.Errorf("unexpected chunk: %+v", chunk)
	}

	n, err := cli.Abort(ctx, "backup")
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if n != 1 {
		t.Errorf("signalled = %d, want 1", n)
	}
}

func TestServer_ErrorCodes(t *testing.T) {
	ctrl := newFakeController()
	cli := startServer(t, ctrl, testSecret)
	ctx := context.Background()

	_, err := cli.GetSchedule(ctx, "missing")
	if Code(err) != CodeNotFound {
		t.Errorf("missing schedule: code = %v, want %v (err %v)", Code(err), CodeNotFound, err)
	}

	if _, err := cli.RunNow(ctx, "backup", ""); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	_, err = cli.RunNow(ctx, "backup", "")
	if Code(err) != CodeAlreadyRunning {
		t.Errorf("second run: code = %v, want %v (err %v)", Code(err), CodeAlreadyRunning, err)
	}

	_, err = cli.GetSchedule(ctx, "")
	if Code(err) != codeInvalidParams {
		t.Errorf("empty id: code = %v, want %v", Code(err), codeInvalidParams)
	}

	_, err = cli.Output(ctx, "backup", -1)
	if Code(err) != codeInvalidParams {
		t.Errorf("negative offset: code = %v, want %v", Code(err), codeInvalidParams)
	}
}

func TestServer_ReadOnlyMethods(t *testing.T) {
	ctrl := newFakeController()
	cli := startServer(t, ctrl, testSecret)
	ctx := context.Background()

	runs, err := cli.History(ctx, HistoryParams{ScheduleID: "backup", Limit: 5})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 1 || runs[0].State != state.StateSuccess {
		t.Errorf("unexpected history: %+v", runs)
	}
	if ctrl.history.ScheduleID != "backup" || ctrl.history.Limit != 5 {
		t.Errorf("history params not forwarded: %+v", ctrl.history)
	}

	ev, err := cli.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if ev.Total != 1 || len(ev.Events) != 1 || ev.Events[0].DeviceID != "LEQ1" {
		t.Errorf("unexpected events: %+v", ev)
	}
	if ctrl.events != 10 {
		t.Errorf("limit = %d, want 10", ctrl.events)
	}

	scripts, err := cli.Scripts(ctx)
	if err != nil {
		t.Fatalf("Scripts: %v", err)
	}
	if strings.Join(scripts, ",") != "backup.sh,lights/on.sh" {
		t.Errorf("unexpected scripts: %v", scripts)
	}

	rr, err := cli.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(rr.Added) != 1 || len(rr.Failed) != 1 || rr.Failed[0].File != "broken.yaml" {
		t.Errorf("unexpected reload result: %+v", rr)
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"wrong secret", "other"},
		{"empty secret rejects all", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := startServer(t, newFakeController(), tt.secret)
			if _, err := cli.Status(context.Background()); err == nil {
				t.Fatal("expected error for unauthorized call")
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := requireToken(testSecret, next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testSecret, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testSecret, http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}"))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "Unauthorized") {
				t.Errorf("body = %q, want JSON-RPC Unauthorized error", rec.Body.String())
			}
		})
	}
}

func TestRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("x: %w", registry.ErrNotFound), int(CodeNotFound)},
		{"no run", dispatch.ErrNoRun, int(CodeNotFound)},
		{"already running", dispatch.ErrAlreadyRunning, int(CodeAlreadyRunning)},
		{"not running", dispatch.ErrNotRunning, int(CodeAlreadyRunning)},
		{"config", &registry.ConfigError{ID: "x", Err: errors.New("bad")}, int(CodeConfig)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := int(Code(rpcError(tt.err))); got != tt.want {
				t.Errorf("code = %d, want %d", got, tt.want)
			}
		})
	}

	plain := errors.New("boom")
	if rpcError(plain) != plain {
		t.Error("unmapped errors should pass through")
	}
}
