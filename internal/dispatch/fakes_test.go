// internal/dispatch/fakes_test.go
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/colebrumley/pmaticmgr/internal/clock"
	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/runner"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

type startCall struct {
	script string
	args   []string
	env    map[string]string
}

type fakeProc struct {
	pid     int
	script  string
	running bool
	code    int
	output  []byte
}

// fakeRunner hands out pids from 1000 and keeps every process running until
// exit is called, unless autoExit is set.
type fakeRunner struct {
	mu         sync.Mutex
	next       int
	procs      map[runner.Handle]*fakeProc
	starts     []startCall
	fail       error
	autoExit   bool
	terminated []int
	killed     []int
	leftover   map[string]string // output files left by a previous instance
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{procs: make(map[runner.Handle]*fakeProc), leftover: make(map[string]string)}
}

func identityOf(pid int) string { return fmt.Sprintf("id-%d", pid) }

func (f *fakeRunner) Start(ref string, args []string, env map[string]string) (runner.Started, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{script: ref, args: args, env: env})
	if f.fail != nil {
		return runner.Started{}, f.fail
	}
	f.next++
	h := runner.Handle(fmt.Sprintf("h%d", f.next))
	p := &fakeProc{pid: 1000 + f.next, script: ref, running: !f.autoExit}
	f.procs[h] = p
	return runner.Started{
		Handle:    h,
		PID:       p.pid,
		Identity:  identityOf(p.pid),
		Output:    fmt.Sprintf("/runs/%s.log", h),
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeRunner) Poll(h runner.Handle) (runner.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h]
	if !ok {
		return runner.Status{}, runner.ErrUnknownHandle
	}
	st := runner.Status{Output: p.output, Running: p.running, PID: p.pid}
	p.output = nil
	if !p.running {
		code := p.code
		st.ExitCode = &code
	}
	return st, nil
}

func (f *fakeRunner) Terminate(h runner.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[h]; ok {
		f.terminated = append(f.terminated, p.pid)
	}
	return nil
}

func (f *fakeRunner) Kill(h runner.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[h]; ok {
		f.killed = append(f.killed, p.pid)
	}
	return nil
}

func (f *fakeRunner) Release(h runner.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h]
	if !ok {
		return runner.ErrUnknownHandle
	}
	if p.running {
		return errors.New("still running")
	}
	delete(f.procs, h)
	return nil
}

func (f *fakeRunner) Recover(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.leftover[path]
	if !ok {
		return nil, nil
	}
	delete(f.leftover, path)
	return []byte(out), nil
}

// write appends output to the process with pid.
func (f *fakeRunner) write(pid int, s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.pid == pid {
			p.output = append(p.output, s...)
		}
	}
}

// exit ends the process with pid.
func (f *fakeRunner) exit(pid, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.pid == pid {
			p.running = false
			p.code = code
		}
	}
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeRunner) startsOf(script string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.starts {
		if s.script == script {
			n++
		}
	}
	return n
}

type fakeHistory struct {
	mu       sync.Mutex
	begun    []state.RunRecord
	finished map[string]state.Completion
	failures []state.RunRecord
	orphans  []int
	orphaned map[int]string // pid -> recovered output
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{finished: make(map[string]state.Completion), orphaned: make(map[int]string)}
}

func (h *fakeHistory) Begin(rec state.RunRecord) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, rec)
	return int64(len(h.begun)), nil
}

func (h *fakeHistory) Finish(runID string, c state.Completion) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished[runID] = c
	return nil
}

func (h *fakeHistory) RecordExecution(rec state.RunRecord) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, rec)
	return int64(len(h.failures)), nil
}

func (h *fakeHistory) FinishOrphan(scheduleID string, pid int, output string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orphans = append(h.orphans, pid)
	h.orphaned[pid] = output
	return nil
}

// switchStore fails every Save while failing is set.
type switchStore struct {
	mu      sync.Mutex
	failing bool
	saved   []registry.Schedule
}

func (s *switchStore) Load() ([]registry.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, nil
}

func (s *switchStore) Save(v []registry.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("read-only file system")
	}
	s.saved = v
	return nil
}

var epoch = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

const statePath = "/var/lib/pmaticmgr/schedules.json"

type harness struct {
	t       *testing.T
	fs      afero.Fs
	reg     *registry.Registry
	runner  *fakeRunner
	history *fakeHistory
	clock   *clock.Manual
	stimuli chan trigger.Stimulus
	d       *Dispatcher
	alive   map[int]bool
	reused  map[int]bool // pid now belongs to an unrelated process
	signals []int
}

func newHarness(t *testing.T, defs ...config.Schedule) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		fs:      afero.NewMemMapFs(),
		runner:  newFakeRunner(),
		history: newFakeHistory(),
		clock:   clock.NewManual(epoch),
		alive:   make(map[int]bool),
		reused:  make(map[int]bool),
	}
	h.reg = registry.New(registry.NewFileStore(h.fs, statePath), nil)
	for _, def := range defs {
		if err := h.reg.Create(def); err != nil {
			t.Fatalf("Create(%s): %v", def.ID, err)
		}
	}
	h.boot("boot-1")
	return h
}

// boot builds a fresh dispatcher over the current registry and emits Startup.
func (h *harness) boot(bootID string) {
	h.stimuli = make(chan trigger.Stimulus, 64)
	h.d = New(Config{BootID: bootID, KillGrace: 5 * time.Second}, Options{
		Registry: h.reg,
		Runner:   h.runner,
		Clock:    h.clock,
		Stimuli:  h.stimuli,
		History:  h.history,
		Alive:    h.sameProcess,
		Signal: func(pid int) error {
			h.signals = append(h.signals, pid)
			return nil
		},
	})
	h.d.begin()
}

// restart simulates a daemon restart: the registry is reloaded from the
// store and reconciled against the alive map before a new boot.
func (h *harness) restart(bootID string) {
	h.t.Helper()
	h.reg = registry.New(registry.NewFileStore(h.fs, statePath), nil)
	if err := h.reg.Load(); err != nil {
		h.t.Fatalf("Load: %v", err)
	}
	res := h.reg.Reconcile(h.sameProcess)
	h.boot(bootID)
	h.d.Adopt(res.Adopted)
}

func (h *harness) sameProcess(pid int, identity string) bool {
	return h.alive[pid] && !h.reused[pid] && identity == identityOf(pid)
}

func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.d.iterate()
	}
}

func (h *harness) get(id string) registry.Schedule {
	h.t.Helper()
	s, err := h.reg.Get(id)
	if err != nil {
		h.t.Fatalf("Get(%s): %v", id, err)
	}
	return s
}

func schedule(id string, cond trigger.Condition) config.Schedule {
	return config.Schedule{ID: id, Name: id, Script: id + ".py", Enabled: true, Condition: cond}
}

func startup() trigger.Condition { return trigger.Condition{Type: trigger.KindStartup} }

func connection() trigger.Condition { return trigger.Condition{Type: trigger.KindConnection} }

func daily(at string) trigger.Condition {
	return trigger.Condition{Type: trigger.KindTimed, Timed: &trigger.Timed{Recurrence: trigger.Daily, At: at}}
}

func device(on trigger.ChangeKind) trigger.Condition {
	return trigger.Condition{Type: trigger.KindDevice, Device: &trigger.DeviceEvent{Device: "NEQ*", Param: "STATE", On: on}}
}
