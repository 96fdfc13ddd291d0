// internal/registry/registry.go
package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/colebrumley/pmaticmgr/internal/config"
	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

// Schedule is a definition plus its persisted run state.
type Schedule struct {
	config.Schedule

	LastFiredAt      *time.Time   `json:"last_fired_at,omitempty"`
	CurrentlyRunning bool         `json:"currently_running"`
	PIDs             []int        `json:"pids,omitempty"`
	Procs            map[int]Proc `json:"procs,omitempty"`
	LastTick         string       `json:"last_tick,omitempty"`
	StartupBoot      string       `json:"startup_boot,omitempty"`
	LastExitCode     *int         `json:"last_exit_code,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	LastFinishedAt   *time.Time   `json:"last_finished_at,omitempty"`
}

// RunState is what condition evaluation needs from the schedule.
func (s *Schedule) RunState() trigger.RunState {
	return trigger.RunState{StartupBoot: s.StartupBoot, LastTick: s.LastTick}
}

func (s *Schedule) clone() Schedule {
	c := *s
	c.PIDs = append([]int(nil), s.PIDs...)
	if s.Procs != nil {
		c.Procs = make(map[int]Proc, len(s.Procs))
		for pid, p := range s.Procs {
			c.Procs[pid] = p
		}
	}
	return c
}

// Proc is one launched process and what a later daemon instance needs to
// recognise it and collect its output.
type Proc struct {
	PID      int    `json:"pid"`
	Identity string `json:"identity,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Occurrence identifies what a fire consumed: a timed tick, a startup boot,
// or nothing for connection, device and manual fires.
type Occurrence struct {
	Tick string
	Boot string
}

// RunRef names one process of one schedule.
type RunRef struct {
	ScheduleID string
	PID        int
	Identity   string
	Output     string
}

// ReconcileResult reports what Reconcile found in the persisted PID lists.
type ReconcileResult struct {
	Adopted []RunRef // still alive, now tracked by liveness only
	Gone    []RunRef // exited while the daemon was down
}

// SyncResult summarizes a Sync.
type SyncResult struct {
	Added   []string
	Updated []string
	Removed []string
}

// Registry holds every schedule. Mutations persist the whole registry; a
// failed write keeps memory authoritative and is retried on the next
// mutation or Flush.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu         sync.RWMutex
	schedules  map[string]*Schedule
	dirty      bool
	persistErr error
}

func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		logger:    logger,
		schedules: make(map[string]*Schedule),
	}
}

// Load replaces the in-memory registry with the stored one.
func (r *Registry) Load() error {
	stored, err := r.store.Load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = make(map[string]*Schedule, len(stored))
	for i := range stored {
		s := stored[i].clone()
		s.CurrentlyRunning = len(s.PIDs) > 0
		r.schedules[s.ID] = &s
	}
	return nil
}

// Reconcile drops persisted PIDs that are no longer alive. alive gets the
// identity recorded at launch and must reject a pid that now belongs to a
// different process. Live ones are adopted: they keep their schedule running
// until they disappear.
func (r *Registry) Reconcile(alive func(pid int, identity string) bool) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconcileResult
	changed := false
	for _, id := range r.sortedIDsLocked() {
		s := r.schedules[id]
		var keep []int
		for _, pid := range s.PIDs {
			p := s.Procs[pid]
			ref := RunRef{ScheduleID: id, PID: pid, Identity: p.Identity, Output: p.Output}
			if alive(pid, p.Identity) {
				keep = append(keep, pid)
				res.Adopted = append(res.Adopted, ref)
			} else {
				res.Gone = append(res.Gone, ref)
				delete(s.Procs, pid)
				changed = true
			}
		}
		s.PIDs = keep
		s.CurrentlyRunning = len(keep) > 0
	}
	if changed {
		r.persistLocked()
	}
	return res
}

// Create adds a new schedule.
func (r *Registry) Create(def config.Schedule) error {
	if err := config.ValidateSchedule(&def); err != nil {
		return &ConfigError{ID: def.ID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[def.ID]; ok {
		return &ConfigError{ID: def.ID, Err: fmt.Errorf("already exists")}
	}
	r.schedules[def.ID] = &Schedule{Schedule: def}
	r.persistLocked()
	return nil
}

// Update replaces the definition of an existing schedule, keeping its run state.
func (r *Registry) Update(def config.Schedule) error {
	if err := config.ValidateSchedule(&def); err != nil {
		return &ConfigError{ID: def.ID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[def.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, def.ID)
	}
	s.Schedule = def
	r.persistLocked()
	return nil
}

// Delete removes a schedule. Its running processes are not touched.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.schedules, id)
	r.persistLocked()
	return nil
}

// SetEnabled toggles a schedule. Disabling never touches running processes.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Enabled == enabled {
		return nil
	}
	s.Enabled = enabled
	r.persistLocked()
	return nil
}

// Get returns a copy of one schedule.
func (r *Registry) Get(id string) (Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.clone(), nil
}

// List returns copies of all schedules ordered by id.
func (r *Registry) List() []Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schedule, 0, len(r.schedules))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.schedules[id].clone())
	}
	return out
}

// Sync applies a freshly loaded definition set. Schedules missing from defs
// are removed unless their id is in keep (their file failed to load and the
// previous version stays). For existing schedules the registry's enabled
// flag wins over the file's.
func (r *Registry) Sync(defs []*config.Schedule, keep map[string]bool) (SyncResult, error) {
	for _, def := range defs {
		if err := config.ValidateSchedule(def); err != nil {
			return SyncResult{}, &ConfigError{ID: def.ID, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res SyncResult
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.ID] = true
		s, ok := r.schedules[def.ID]
		if !ok {
			r.schedules[def.ID] = &Schedule{Schedule: *def}
			res.Added = append(res.Added, def.ID)
			continue
		}
		next := *def
		next.Enabled = s.Enabled
		if !reflect.DeepEqual(s.Schedule, next) {
			s.Schedule = next
			res.Updated = append(res.Updated, def.ID)
		}
	}
	for _, id := range r.sortedIDsLocked() {
		if !seen[id] && !keep[id] {
			delete(r.schedules, id)
			res.Removed = append(res.Removed, id)
		}
	}

	if len(res.Added)+len(res.Updated)+len(res.Removed) > 0 {
		r.persistLocked()
	}
	return res, nil
}

// Started records a launched process and consumes occ.
func (r *Registry) Started(id string, occ Occurrence, proc Proc, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applyOccurrence(s, occ)
	s.PIDs = append(s.PIDs, proc.PID)
	if s.Procs == nil {
		s.Procs = make(map[int]Proc)
	}
	s.Procs[proc.PID] = proc
	s.CurrentlyRunning = true
	s.LastFiredAt = &at
	s.LastError = ""
	r.persistLocked()
	return nil
}

// LaunchFailed records a fire whose process never started. The occurrence
// is still consumed.
func (r *Registry) LaunchFailed(id string, occ Occurrence, at time.Time, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applyOccurrence(s, occ)
	s.LastFiredAt = &at
	s.LastError = cause.Error()
	r.persistLocked()
	return nil
}

// MarkOccurrence consumes occ without launching anything.
func (r *Registry) MarkOccurrence(id string, occ Occurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applyOccurrence(s, occ)
	r.persistLocked()
	return nil
}

func applyOccurrence(s *Schedule, occ Occurrence) {
	if occ.Tick != "" {
		s.LastTick = occ.Tick
	}
	if occ.Boot != "" {
		s.StartupBoot = occ.Boot
	}
}

// Finished removes pid from the schedule's running set. exitCode is nil
// when the status is unknown (adopted processes). A schedule deleted while
// the process ran is not an error.
func (r *Registry) Finished(id string, pid int, exitCode *int, errMsg string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return
	}
	pids := s.PIDs[:0]
	for _, p := range s.PIDs {
		if p != pid {
			pids = append(pids, p)
		}
	}
	s.PIDs = pids
	delete(s.Procs, pid)
	if len(s.Procs) == 0 {
		s.Procs = nil
	}
	s.CurrentlyRunning = len(pids) > 0
	s.LastExitCode = exitCode
	s.LastError = errMsg
	s.LastFinishedAt = &at
	r.persistLocked()
}

// Flush retries a pending write. It returns the persistence error if the
// registry is still not on disk.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	r.persistLocked()
	return r.persistErr
}

// Dirty reports whether memory is ahead of the store.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// PersistError returns the last write failure, or nil once a write succeeds.
func (r *Registry) PersistError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persistErr
}

func (r *Registry) persistLocked() {
	snapshot := make([]Schedule, 0, len(r.schedules))
	for _, id := range r.sortedIDsLocked() {
		snapshot = append(snapshot, r.schedules[id].clone())
	}
	if err := r.store.Save(snapshot); err != nil {
		if r.persistErr == nil {
			r.logger.Error("registry write failed, keeping changes in memory", "error", err)
		}
		r.dirty = true
		r.persistErr = fmt.Errorf("%w: %v", ErrPersistence, err)
		return
	}
	if r.persistErr != nil {
		r.logger.Info("registry write recovered")
	}
	r.dirty = false
	r.persistErr = nil
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.schedules))
	for id := range r.schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
