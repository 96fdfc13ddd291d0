// internal/dispatch/dispatch.go
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"github.com/colebrumley/pmaticmgr/internal/clock"
	"github.com/colebrumley/pmaticmgr/internal/logging"
	"github.com/colebrumley/pmaticmgr/internal/metrics"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/runner"
	"github.com/colebrumley/pmaticmgr/internal/security"
	"github.com/colebrumley/pmaticmgr/internal/state"
	"github.com/colebrumley/pmaticmgr/internal/template"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

const (
	DefaultTickInterval = time.Second
	DefaultEventBatch   = 64
	DefaultTokenWindow  = 10 * time.Minute
	DefaultKillGrace    = 10 * time.Second
)

// Runner is the part of *runner.Runner the loop drives.
type Runner interface {
	Start(ref string, args []string, env map[string]string) (runner.Started, error)
	Poll(h runner.Handle) (runner.Status, error)
	Terminate(h runner.Handle) error
	Kill(h runner.Handle) error
	Release(h runner.Handle) error
	Recover(output string) ([]byte, error)
}

// History records runs. *state.DB implements it.
type History interface {
	Begin(rec state.RunRecord) (int64, error)
	Finish(runID string, c state.Completion) error
	RecordExecution(rec state.RunRecord) (int64, error)
	FinishOrphan(scheduleID string, pid int, output string, finishedAt time.Time) error
}

// Config tunes the loop.
type Config struct {
	BootID       string
	TickInterval time.Duration
	EventBatch   int
	TokenWindow  time.Duration
	KillGrace    time.Duration
}

// Options carries the collaborators. Registry and Runner are required.
type Options struct {
	Registry *registry.Registry
	Runner   Runner
	Clock    clock.Clock
	Stimuli  <-chan trigger.Stimulus
	History  History     // optional
	Metrics  metrics.Sink // optional
	Logger   *slog.Logger

	// Alive and Signal act on processes adopted after a restart, which the
	// runner did not start. Alive gets the identity recorded at launch.
	Alive  func(pid int, identity string) bool
	Signal func(pid int) error
}

// Dispatcher is the single loop that evaluates stimuli, launches scripts and
// owns every registry write after start-up. Other goroutines reach it only
// through its command methods.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	runner   Runner
	clock    clock.Clock
	stimuli  <-chan trigger.Stimulus
	history  History
	metrics  metrics.Sink
	logger   *slog.Logger
	alive    func(int, string) bool
	signal   func(int) error

	cmds    chan func()
	stopped chan struct{}
	tokens  *cache.Cache

	// owned by the loop goroutine
	startedAt      time.Time
	pendingCmds    []func()
	pendingStimuli []trigger.Stimulus
	lifecycle      []trigger.Stimulus
	runs           map[string][]*execution
	last           map[string]*execution
	adopted        []registry.RunRef
	malformed      map[string]bool
	skipNoted      map[string]bool
}

func New(cfg Config, opts Options) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.EventBatch <= 0 {
		cfg.EventBatch = DefaultEventBatch
	}
	if cfg.TokenWindow <= 0 {
		cfg.TokenWindow = DefaultTokenWindow
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.BootID == "" {
		cfg.BootID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alive == nil {
		opts.Alive = runner.SameProcess
	}
	if opts.Signal == nil {
		opts.Signal = func(pid int) error { return runner.SignalGroup(pid, unix.SIGTERM) }
	}

	return &Dispatcher{
		cfg:       cfg,
		registry:  opts.Registry,
		runner:    opts.Runner,
		clock:     opts.Clock,
		stimuli:   opts.Stimuli,
		history:   opts.History,
		metrics:   opts.Metrics,
		logger:    logging.WithComponent(opts.Logger, "dispatch"),
		alive:     opts.Alive,
		signal:    opts.Signal,
		cmds:      make(chan func()),
		stopped:   make(chan struct{}),
		tokens:    cache.New(cfg.TokenWindow, cfg.TokenWindow),
		runs:      make(map[string][]*execution),
		last:      make(map[string]*execution),
		malformed: make(map[string]bool),
		skipNoted: make(map[string]bool),
	}
}

// BootID identifies this daemon instance.
func (d *Dispatcher) BootID() string { return d.cfg.BootID }

// Adopt hands the loop processes that survived a restart. Call before Run.
func (d *Dispatcher) Adopt(refs []registry.RunRef) {
	d.adopted = append(d.adopted, refs...)
}

// Run emits the Startup stimulus and loops until ctx is cancelled. Running
// scripts are left alone on exit; the returned error reports whether the
// registry reached the store.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	d.begin()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		d.iterate()

		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
		case s, ok := <-d.stimuli:
			if !ok {
				d.stimuli = nil
				continue
			}
			d.pendingStimuli = append(d.pendingStimuli, s)
		case fn := <-d.cmds:
			d.pendingCmds = append(d.pendingCmds, fn)
		}
	}
}

func (d *Dispatcher) begin() {
	d.startedAt = d.clock.Now()
	d.lifecycle = append(d.lifecycle, trigger.Stimulus{Kind: trigger.Startup, Now: d.startedAt, Boot: d.cfg.BootID})
	d.logger.Info("dispatcher started", "boot_id", d.cfg.BootID, "adopted", len(d.adopted))
}

// iterate is one pass of the loop: commands, a bounded batch of events, the
// clock, lifecycle stimuli, running scripts and finally a registry flush.
func (d *Dispatcher) iterate() {
	d.applyCommands()
	d.drainStimuli()
	d.consider(trigger.Stimulus{Kind: trigger.ClockTick, Now: d.clock.Now()})
	d.processLifecycle()
	d.pollRuns()
	d.registry.Flush()
}

func (d *Dispatcher) applyCommands() {
drain:
	for {
		select {
		case fn := <-d.cmds:
			d.pendingCmds = append(d.pendingCmds, fn)
		default:
			break drain
		}
	}
	cmds := d.pendingCmds
	d.pendingCmds = nil
	for _, fn := range cmds {
		fn()
	}
}

func (d *Dispatcher) drainStimuli() {
	for n := 0; n < d.cfg.EventBatch; n++ {
		var s trigger.Stimulus
		if len(d.pendingStimuli) > 0 {
			s = d.pendingStimuli[0]
			d.pendingStimuli = d.pendingStimuli[1:]
		} else {
			select {
			case next, ok := <-d.stimuli:
				if !ok {
					d.stimuli = nil
					return
				}
				s = next
			default:
				return
			}
		}
		d.handleStimulus(s)
	}
}

func (d *Dispatcher) handleStimulus(s trigger.Stimulus) {
	switch s.Kind {
	case trigger.Startup, trigger.ConnectionEstablished:
		d.lifecycle = append(d.lifecycle, s)
	case trigger.DeviceNotification:
		if s.Notification != nil {
			d.metrics.DeviceValue(*s.Notification)
		}
		d.consider(s)
	default:
		d.consider(s)
	}
}

func (d *Dispatcher) processLifecycle() {
	queue := d.lifecycle
	d.lifecycle = nil
	for _, s := range queue {
		// A startup fire blocked by a still-running previous instance is
		// retried until it can run; the boot id keeps it to one fire.
		if skipped := d.consider(s); skipped > 0 && s.Kind == trigger.Startup {
			d.lifecycle = append(d.lifecycle, s)
		}
	}
}

// consider evaluates s against every enabled schedule in id order and fires
// the matches. It returns how many fires were skipped because of overlap.
func (d *Dispatcher) consider(s trigger.Stimulus) (skipped int) {
	for _, sch := range d.registry.List() {
		if !sch.Enabled || !sch.Condition.Accepts(s.Kind) {
			continue
		}
		res, err := trigger.Evaluate(sch.Condition, s, sch.RunState())
		if err != nil {
			d.noteMalformed(sch.ID, err)
			continue
		}
		if !res.Fire {
			continue
		}

		occ := registry.Occurrence{Tick: res.Tick}
		if s.Kind == trigger.Startup {
			occ.Boot = s.Boot
		}
		if sch.CurrentlyRunning && !sch.AllowOverlap {
			skipped++
			if !d.skipNoted[sch.ID] {
				d.skipNoted[sch.ID] = true
				logging.WithSchedule(d.logger, sch.ID).Info("skipping fire, previous run still active",
					"stimulus", s.Kind, "pids", sch.PIDs)
			}
			continue
		}
		d.fire(sch, s, occ)
	}
	return skipped
}

func (d *Dispatcher) noteMalformed(id string, err error) {
	if d.malformed[id] {
		return
	}
	d.malformed[id] = true
	logging.WithSchedule(d.logger, id).Error("condition cannot be evaluated, schedule will not fire", "error", err)
}

// fire launches the schedule's script for s and consumes occ whether or not
// the launch succeeds.
func (d *Dispatcher) fire(sch registry.Schedule, s trigger.Stimulus, occ registry.Occurrence) (*execution, error) {
	log := logging.WithSchedule(d.logger, sch.ID)
	now := d.clock.Now()

	data := s.Data()
	data["schedule_id"] = sch.ID
	args := template.ExpandArgs(sch.Args, data)
	env := template.Merge(template.Environment(data), sch.Env)

	started, err := d.runner.Start(sch.Script, args, env)
	if err != nil {
		log.Error("script launch failed", "script", sch.Script, "stimulus", s.Kind, "error", err)
		if rerr := d.registry.LaunchFailed(sch.ID, occ, now, err); rerr != nil {
			log.Error("recording launch failure", "error", rerr)
		}
		d.recordLaunchFailure(sch, s.Kind, now, err)
		d.metrics.LaunchFailed(sch.ID, string(s.Kind))
		return nil, err
	}

	ex := &execution{
		runID:      uuid.NewString(),
		scheduleID: sch.ID,
		script:     sch.Script,
		stimulus:   s.Kind,
		handle:     started.Handle,
		pid:        started.PID,
		startedAt:  now,
		maxRuntime: sch.MaxRuntime,
	}
	d.runs[sch.ID] = append(d.runs[sch.ID], ex)
	delete(d.skipNoted, sch.ID)

	proc := registry.Proc{PID: started.PID, Identity: started.Identity, Output: started.Output}
	if err := d.registry.Started(sch.ID, occ, proc, now); err != nil {
		log.Error("recording script start", "error", err)
	}
	if d.history != nil {
		if _, err := d.history.Begin(state.RunRecord{
			RunID:      ex.runID,
			ScheduleID: sch.ID,
			Stimulus:   string(s.Kind),
			Script:     sch.Script,
			PID:        started.PID,
			StartedAt:  now,
		}); err != nil {
			log.Warn("failed to record run start", "error", err)
		}
	}

	log.Info("script started", "script", sch.Script, "pid", started.PID, "stimulus", s.Kind, "run_id", ex.runID)
	return ex, nil
}

func (d *Dispatcher) recordLaunchFailure(sch registry.Schedule, kind trigger.StimulusKind, at time.Time, cause error) {
	if d.history == nil {
		return
	}
	if _, err := d.history.RecordExecution(state.RunRecord{
		RunID:      uuid.NewString(),
		ScheduleID: sch.ID,
		Stimulus:   string(kind),
		Script:     sch.Script,
		State:      state.StateLaunchFailed,
		StartedAt:  at,
		FinishedAt: &at,
		Error:      cause.Error(),
	}); err != nil {
		logging.WithSchedule(d.logger, sch.ID).Warn("failed to record launch failure", "error", err)
	}
}

func (d *Dispatcher) pollRuns() {
	now := d.clock.Now()
	for _, id := range sortedKeys(d.runs) {
		var live []*execution
		for _, ex := range d.runs[id] {
			if d.pollOne(ex, now) {
				live = append(live, ex)
			}
		}
		if len(live) == 0 {
			delete(d.runs, id)
		} else {
			d.runs[id] = live
		}
	}
	d.pollAdopted(now)
}

// pollOne reports whether ex is still running.
func (d *Dispatcher) pollOne(ex *execution, now time.Time) bool {
	st, err := d.runner.Poll(ex.handle)
	if err != nil {
		logging.WithSchedule(d.logger, ex.scheduleID).Error("lost track of script", "pid", ex.pid, "error", err)
		d.finish(ex, nil, now)
		return false
	}
	d.capture(ex, st.Output)
	if !st.Running {
		d.finish(ex, st.ExitCode, now)
		return false
	}
	d.enforceMaxRuntime(ex, now)
	return true
}

func (d *Dispatcher) capture(ex *execution, out []byte) {
	if len(out) == 0 {
		return
	}
	ex.append(out)
	if !d.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	log := logging.WithSchedule(d.logger, ex.scheduleID)
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		log.Debug("script output", "run_id", ex.runID, "line", line)
	}
}

func (d *Dispatcher) enforceMaxRuntime(ex *execution, now time.Time) {
	if ex.maxRuntime <= 0 {
		return
	}
	log := logging.WithSchedule(d.logger, ex.scheduleID)
	if !ex.terminating && now.Sub(ex.startedAt) >= ex.maxRuntime {
		log.Warn("max runtime exceeded, terminating script", "pid", ex.pid, "max_runtime", ex.maxRuntime)
		if err := d.runner.Terminate(ex.handle); err != nil {
			log.Error("terminate failed", "pid", ex.pid, "error", err)
		}
		ex.terminating = true
		ex.killAt = now.Add(d.cfg.KillGrace)
		return
	}
	if !ex.killAt.IsZero() && !ex.killed && !now.Before(ex.killAt) {
		log.Warn("script ignored terminate, killing", "pid", ex.pid)
		if err := d.runner.Kill(ex.handle); err != nil {
			log.Error("kill failed", "pid", ex.pid, "error", err)
		}
		ex.killed = true
	}
}

func (d *Dispatcher) finish(ex *execution, code *int, now time.Time) {
	log := logging.WithSchedule(d.logger, ex.scheduleID)
	ex.exited = true
	ex.exitCode = code
	ex.finishedAt = now

	result, msg := outcome(code, ex.terminating)
	duration := now.Sub(ex.startedAt)
	d.registry.Finished(ex.scheduleID, ex.pid, code, msg, now)

	if d.history != nil {
		if err := d.history.Finish(ex.runID, state.Completion{
			State:      result,
			FinishedAt: now,
			Duration:   duration,
			ExitCode:   code,
			Error:      msg,
			Output:     security.ScrubOutput(string(ex.output)),
		}); err != nil {
			log.Warn("failed to record run finish", "run_id", ex.runID, "error", err)
		}
	}
	d.metrics.RunFinished(ex.scheduleID, string(ex.stimulus), result, duration, code)

	if err := d.runner.Release(ex.handle); err != nil {
		log.Debug("releasing run", "run_id", ex.runID, "error", err)
	}
	d.last[ex.scheduleID] = ex
	delete(d.skipNoted, ex.scheduleID)

	attrs := []any{"pid", ex.pid, "state", result, "duration", duration, "run_id", ex.runID}
	if code != nil {
		attrs = append(attrs, "exit_code", *code)
	}
	if result == state.StateSuccess {
		log.Info("script finished", attrs...)
	} else {
		log.Warn("script finished", attrs...)
	}
}

func (d *Dispatcher) pollAdopted(now time.Time) {
	if len(d.adopted) == 0 {
		return
	}
	kept := d.adopted[:0]
	for _, ref := range d.adopted {
		if d.alive(ref.PID, ref.Identity) {
			kept = append(kept, ref)
			continue
		}
		d.registry.Finished(ref.ScheduleID, ref.PID, nil, "", now)
		out, err := d.runner.Recover(ref.Output)
		if err != nil {
			d.logger.Warn("could not recover adopted run output", "schedule", ref.ScheduleID, "pid", ref.PID, "error", err)
		}
		if d.history != nil {
			if err := d.history.FinishOrphan(ref.ScheduleID, ref.PID, security.ScrubOutput(string(out)), now); err != nil {
				d.logger.Warn("failed to record adopted run finish", "schedule", ref.ScheduleID, "error", err)
			}
		}
		delete(d.skipNoted, ref.ScheduleID)
		logging.WithSchedule(d.logger, ref.ScheduleID).Info("adopted script exited", "pid", ref.PID)
	}
	d.adopted = kept
}

func (d *Dispatcher) shutdown() error {
	running := len(d.adopted)
	for _, runs := range d.runs {
		running += len(runs)
	}
	d.logger.Info("dispatcher stopping, scripts keep running", "running", running)

	if err := d.registry.Flush(); err != nil {
		return fmt.Errorf("flushing registry: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
