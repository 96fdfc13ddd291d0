// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/rpc"
	"github.com/colebrumley/pmaticmgr/internal/state"
)

const testSecret = "test-secret"

type testEnv struct {
	dir          string
	configPath   string
	stateDir     string
	schedulesDir string
	scriptsDir   string
	port         int
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

// newTestEnv lays out config, schedules and scripts for a daemon that
// receives controller events through the webhook transport.
func newTestEnv(t *testing.T, rpcSecret string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:          dir,
		configPath:   filepath.Join(dir, "config.yaml"),
		stateDir:     filepath.Join(dir, "state"),
		schedulesDir: filepath.Join(dir, "schedules"),
		scriptsDir:   filepath.Join(dir, "scripts"),
		port:         freePort(t),
	}
	for _, d := range []string{env.schedulesDir, env.scriptsDir} {
		if err := os.Mkdir(d, 0700); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, env.configPath, fmt.Sprintf(`
daemon:
  log_level: debug
  state_dir: %s
  schedules_dir: %s
  scripts_dir: %s
  listen_address: 127.0.0.1
  listen_port: %d
  rpc_secret: %q
  tick_interval: 20ms
logging:
  format: text
ccu:
  enabled: true
  transport: webhook
history:
  retention_days: 7
`, env.stateDir, env.schedulesDir, env.scriptsDir, env.port, rpcSecret), 0600)

	writeFile(t, filepath.Join(env.scriptsDir, "greet.sh"), "#!/bin/sh\necho \"hello $PMATIC_STIMULUS $1\"\n", 0700)

	env.schedule(t, "boot.yaml", `
script: greet.sh
args: ["{{boot_id}}"]
enabled: true
condition:
  type: startup
`)
	env.schedule(t, "door.yaml", `
script: greet.sh
args: ["{{device_id}}"]
enabled: true
allow_overlap: true
condition:
  type: device_event
  device_event:
    device: "LEQ*"
    param: STATE
    on: value_updated
`)
	return env
}

func (e *testEnv) schedule(t *testing.T, name, body string) {
	t.Helper()
	writeFile(t, filepath.Join(e.schedulesDir, name), body, 0600)
}

func (e *testEnv) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", e.port, path)
}

type running struct {
	daemon *Daemon
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func startDaemon(t *testing.T, env *testEnv) *running {
	t.Helper()
	d := New(env.configPath, "", "test")
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{daemon: d, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()

	waitFor(t, "health endpoint", func() bool {
		resp, err := http.Get(env.url("/health"))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finishedRun(t *testing.T, cli *rpc.Client, id string) *state.RunRecord {
	t.Helper()
	var rec *state.RunRecord
	waitFor(t, id+" to finish", func() bool {
		runs, err := cli.History(context.Background(), rpc.HistoryParams{ScheduleID: id})
		if err != nil {
			return false
		}
		for i := range runs {
			if runs[i].State != state.StateRunning {
				rec = &runs[i]
				return true
			}
		}
		return false
	})
	return rec
}

func TestDaemon_EndToEnd(t *testing.T) {
	env := newTestEnv(t, testSecret)
	r := startDaemon(t, env)
	cli := rpc.Dial(env.url("/rpc"), testSecret, 5*time.Second)
	defer cli.Close()
	ctx := context.Background()

	boot := finishedRun(t, cli, "boot")
	if boot.State != state.StateSuccess {
		t.Fatalf("startup run state = %q (%s)", boot.State, boot.Error)
	}
	if !strings.Contains(boot.Output, "hello startup") {
		t.Errorf("startup output = %q", boot.Output)
	}

	st, err := cli.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Schedules != 2 || !st.HistoryEnabled || !st.Connected {
		t.Errorf("unexpected status: %+v", st)
	}

	body := `{"device_id":"LEQ0001","channel":1,"param":"STATE","value":true}`
	resp, err := http.Post(env.url("/events"), "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("posting event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	door := finishedRun(t, cli, "door")
	if !strings.Contains(door.Output, "hello device_notification LEQ0001") {
		t.Errorf("device run output = %q", door.Output)
	}

	ev, err := cli.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if ev.Total != 1 || len(ev.Events) != 1 || ev.Events[0].DeviceID != "LEQ0001" {
		t.Errorf("unexpected events: %+v", ev)
	}

	scripts, err := cli.Scripts(ctx)
	if err != nil {
		t.Fatalf("Scripts: %v", err)
	}
	if !slices.Equal(scripts, []string{"greet.sh"}) {
		t.Errorf("scripts = %v", scripts)
	}

	first, err := cli.RunNow(ctx, "boot", "retry-token")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	again, err := cli.RunNow(ctx, "boot", "retry-token")
	if err != nil {
		t.Fatalf("RunNow retry: %v", err)
	}
	if !again.Duplicate || again.RunID != first.RunID {
		t.Errorf("retry = %+v, want duplicate of %+v", again, first)
	}

	if err := cli.SetEnabled(ctx, "door", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	sch, err := cli.GetSchedule(ctx, "door")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sch.Enabled {
		t.Error("door still enabled")
	}

	if _, err := cli.GetSchedule(ctx, "missing"); rpc.Code(err) != rpc.CodeNotFound {
		t.Errorf("missing schedule error = %v", err)
	}

	if err := r.stop(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	data, err := os.ReadFile(filepath.Join(env.stateDir, registryFile))
	if err != nil {
		t.Fatalf("registry not written: %v", err)
	}
	var doc struct {
		Schedules []struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		} `json:"schedules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("registry not JSON: %v", err)
	}
	if len(doc.Schedules) != 2 || doc.Schedules[1].ID != "door" || doc.Schedules[1].Enabled {
		t.Errorf("persisted registry = %+v", doc.Schedules)
	}
}

func TestDaemon_Reload(t *testing.T) {
	env := newTestEnv(t, testSecret)
	startDaemon(t, env)
	cli := rpc.Dial(env.url("/rpc"), testSecret, 5*time.Second)
	defer cli.Close()
	ctx := context.Background()

	env.schedule(t, "nightly.yaml", `
script: greet.sh
enabled: true
condition:
  type: timed
  timed:
    recurrence: daily
    at: "03:00"
`)
	env.schedule(t, "broken.yaml", "script: [not, a, string\n")
	if err := os.Remove(filepath.Join(env.schedulesDir, "door.yaml")); err != nil {
		t.Fatal(err)
	}

	res, err := cli.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].File != "broken.yaml" {
		t.Errorf("failed = %+v, want broken.yaml", res.Failed)
	}

	if _, err := cli.GetSchedule(ctx, "nightly"); err != nil {
		t.Errorf("nightly not added: %v", err)
	}
	if _, err := cli.GetSchedule(ctx, "door"); rpc.Code(err) != rpc.CodeNotFound {
		t.Errorf("door should be removed, got %v", err)
	}
}

func TestDaemon_RPCDisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, "")
	startDaemon(t, env)

	resp, err := http.Post(env.url("/rpc"), "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"system.status"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/rpc status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(env.url("/api/schedules"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding schedules: %v", err)
	}
	if len(list) != 2 || list[0].ID != "boot" {
		t.Errorf("schedules = %+v", list)
	}
}

func TestDaemon_StartupFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, env *testEnv) string
		want   string
	}{
		{
			name: "missing config",
			mutate: func(t *testing.T, env *testEnv) string {
				return filepath.Join(env.dir, "absent.yaml")
			},
			want: "loading config",
		},
		{
			name: "state dir is a file",
			mutate: func(t *testing.T, env *testEnv) string {
				writeFile(t, env.stateDir, "not a dir", 0600)
				return env.configPath
			},
			want: "state directory",
		},
		{
			name: "corrupt registry",
			mutate: func(t *testing.T, env *testEnv) string {
				if err := os.MkdirAll(env.stateDir, 0700); err != nil {
					t.Fatal(err)
				}
				writeFile(t, filepath.Join(env.stateDir, registryFile), "{not json", 0600)
				return env.configPath
			},
			want: "loading registry",
		},
		{
			name: "port in use",
			mutate: func(t *testing.T, env *testEnv) string {
				ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", env.port))
				if err != nil {
					t.Fatal(err)
				}
				t.Cleanup(func() { ln.Close() })
				return env.configPath
			},
			want: "listening on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testSecret)
			path := tt.mutate(t, env)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := New(path, "", "test").Run(ctx)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Run() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRateLimitHandler(t *testing.T) {
	h := rateLimitHandler(2, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, code := range want {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != code {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, code)
		}
	}
}

func TestBucketRefills(t *testing.T) {
	start := time.Now()
	b := &bucket{perMinute: 60, tokens: 1, last: start}

	if !b.take(start) {
		t.Fatal("first take refused")
	}
	if b.take(start.Add(500 * time.Millisecond)) {
		t.Error("take allowed before a token refilled")
	}
	if !b.take(start.Add(2 * time.Second)) {
		t.Error("take refused after refill")
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=-3", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/history?"+tt.query, nil)
			if got := queryInt(r, "limit", 50, 500); got != tt.want {
				t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
			}
		})
	}
}
