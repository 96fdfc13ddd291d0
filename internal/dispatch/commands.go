// internal/dispatch/commands.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/registry"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// RunResult is the outcome of a run-now command.
type RunResult struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	Duplicate bool   `json:"duplicate,omitempty"` // answered from the token cache
}

type tokenOutcome struct {
	result RunResult
	err    error
}

// ScheduleStatus is a schedule plus its live processes.
type ScheduleStatus struct {
	registry.Schedule
	Runs []RunInfo `json:"runs,omitempty"`
}

// Status is the dispatcher's view of the daemon.
type Status struct {
	BootID       string           `json:"boot_id"`
	StartedAt    time.Time        `json:"started_at"`
	Running      int              `json:"running"`
	PersistError string           `json:"persist_error,omitempty"`
	Schedules    []ScheduleStatus `json:"schedules"`
}

// do runs fn on the loop goroutine at the start of the next iteration and
// waits for it.
func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case d.cmds <- wrapped:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-d.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEnabled enables or disables a schedule. Running processes are untouched.
func (d *Dispatcher) SetEnabled(ctx context.Context, id string, enabled bool) error {
	var err error
	if e := d.do(ctx, func() { err = d.setEnabled(id, enabled) }); e != nil {
		return e
	}
	return err
}

func (d *Dispatcher) setEnabled(id string, enabled bool) error {
	if err := d.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	d.logger.Info("schedule toggled", "schedule", id, "enabled", enabled)
	return nil
}

// RunNow launches a schedule immediately. A non-empty token makes the call
// idempotent: repeats within the token window return the first outcome
// without launching again.
func (d *Dispatcher) RunNow(ctx context.Context, id, token string) (RunResult, error) {
	var (
		res RunResult
		err error
	)
	if e := d.do(ctx, func() { res, err = d.runNow(id, token) }); e != nil {
		return RunResult{}, e
	}
	return res, err
}

func (d *Dispatcher) runNow(id, token string) (RunResult, error) {
	key := id + "\x00" + token
	if token != "" {
		if v, ok := d.tokens.Get(key); ok {
			o := v.(tokenOutcome)
			o.result.Duplicate = true
			d.logger.Info("duplicate run request", "schedule", id, "token", token)
			return o.result, o.err
		}
	}

	res, err := d.startManual(id)
	if token != "" && !errors.Is(err, registry.ErrNotFound) {
		d.tokens.Set(key, tokenOutcome{result: res, err: err}, cache.DefaultExpiration)
	}
	return res, err
}

func (d *Dispatcher) startManual(id string) (RunResult, error) {
	sch, err := d.registry.Get(id)
	if err != nil {
		return RunResult{}, err
	}
	if sch.CurrentlyRunning && !sch.AllowOverlap {
		return RunResult{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	ex, err := d.fire(sch, trigger.Stimulus{Kind: trigger.Manual, Now: d.clock.Now()}, registry.Occurrence{})
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{RunID: ex.runID, PID: ex.pid}, nil
}

// Abort sends a terminate to every live process of a schedule and returns
// how many were signalled.
func (d *Dispatcher) Abort(ctx context.Context, id string) (int, error) {
	var (
		n   int
		err error
	)
	if e := d.do(ctx, func() { n, err = d.abort(id) }); e != nil {
		return 0, e
	}
	return n, err
}

func (d *Dispatcher) abort(id string) (int, error) {
	if _, err := d.registry.Get(id); err != nil {
		return 0, err
	}
	n := 0
	for _, ex := range d.runs[id] {
		if err := d.runner.Terminate(ex.handle); err != nil {
			d.logger.Warn("terminate failed", "schedule", id, "pid", ex.pid, "error", err)
			continue
		}
		ex.terminating = true
		n++
	}
	for _, ref := range d.adopted {
		if ref.ScheduleID != id || !d.alive(ref.PID, ref.Identity) {
			continue
		}
		if err := d.signal(ref.PID); err != nil {
			d.logger.Warn("terminate failed", "schedule", id, "pid", ref.PID, "error", err)
			continue
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	d.logger.Info("schedule aborted", "schedule", id, "signalled", n)
	return n, nil
}

// Reload applies a freshly loaded definition set between evaluations.
func (d *Dispatcher) Reload(ctx context.Context, defs []*config.Schedule, keep map[string]bool) (registry.SyncResult, error) {
	var (
		res registry.SyncResult
		err error
	)
	if e := d.do(ctx, func() { res, err = d.reload(defs, keep) }); e != nil {
		return registry.SyncResult{}, e
	}
	return res, err
}

func (d *Dispatcher) reload(defs []*config.Schedule, keep map[string]bool) (registry.SyncResult, error) {
	res, err := d.registry.Sync(defs, keep)
	if err != nil {
		return res, err
	}
	for _, id := range res.Added {
		delete(d.malformed, id)
	}
	for _, id := range res.Updated {
		delete(d.malformed, id)
	}
	d.logger.Info("schedules reloaded",
		"added", len(res.Added), "updated", len(res.Updated), "removed", len(res.Removed), "kept", len(keep))
	return res, nil
}

// Status snapshots every schedule with its live processes.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	var st Status
	if e := d.do(ctx, func() { st = d.status() }); e != nil {
		return Status{}, e
	}
	return st, nil
}

// Schedule returns one schedule with its live processes.
func (d *Dispatcher) Schedule(ctx context.Context, id string) (ScheduleStatus, error) {
	var (
		st  ScheduleStatus
		err error
	)
	if e := d.do(ctx, func() {
		var sch registry.Schedule
		if sch, err = d.registry.Get(id); err == nil {
			st = d.scheduleStatus(sch)
		}
	}); e != nil {
		return ScheduleStatus{}, e
	}
	return st, err
}

func (d *Dispatcher) status() Status {
	st := Status{BootID: d.cfg.BootID, StartedAt: d.startedAt}
	if err := d.registry.PersistError(); err != nil {
		st.PersistError = err.Error()
	}
	for _, sch := range d.registry.List() {
		ss := d.scheduleStatus(sch)
		st.Running += len(ss.Runs)
		st.Schedules = append(st.Schedules, ss)
	}
	return st
}

func (d *Dispatcher) scheduleStatus(sch registry.Schedule) ScheduleStatus {
	ss := ScheduleStatus{Schedule: sch}
	for _, ex := range d.runs[sch.ID] {
		ss.Runs = append(ss.Runs, RunInfo{
			RunID:       ex.runID,
			PID:         ex.pid,
			StartedAt:   ex.startedAt,
			Stimulus:    string(ex.stimulus),
			Terminating: ex.terminating,
		})
	}
	for _, ref := range d.adopted {
		if ref.ScheduleID == sch.ID {
			ss.Runs = append(ss.Runs, RunInfo{PID: ref.PID, Adopted: true})
		}
	}
	return ss
}

// Output returns the output of the schedule's current run, or its last
// finished one, from offset on.
func (d *Dispatcher) Output(ctx context.Context, id string, offset int) (OutputChunk, error) {
	var (
		chunk OutputChunk
		err   error
	)
	if e := d.do(ctx, func() { chunk, err = d.output(id, offset) }); e != nil {
		return OutputChunk{}, e
	}
	return chunk, err
}

func (d *Dispatcher) output(id string, offset int) (OutputChunk, error) {
	if _, err := d.registry.Get(id); err != nil {
		return OutputChunk{}, err
	}
	if runs := d.runs[id]; len(runs) > 0 {
		return runs[len(runs)-1].chunk(offset), nil
	}
	if ex, ok := d.last[id]; ok {
		return ex.chunk(offset), nil
	}
	return OutputChunk{}, fmt.Errorf("%w: %s", ErrNoRun, id)
}
